// Package server speaks the framed request/response protocol over TCP and
// forwards decoded requests to the broker. Each connection gets its own
// goroutine and a random id in the peer map; within a connection responses
// go out in request order.
package server

import (
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lucidmq/lucidmq/internal/broker"
	"github.com/lucidmq/lucidmq/internal/protocol"
)

// Broker is the surface the server dispatches requests onto.
type Broker interface {
	CreateTopic(name string, maxSegmentBytes, maxRetentionBytes uint64) error
	DescribeTopic(name string) (broker.TopicInfo, error)
	DeleteTopic(name string) error
	ListTopics() []broker.TopicSummary
	Produce(topic string, payloads [][]byte) (uint64, error)
	Consume(ctx context.Context, topic, group string, timeout time.Duration) ([][]byte, error)
}

type Config struct {
	Addr    string
	Broker  Broker
	Metrics *Metrics
}

type Server struct {
	config Config
	logger zerolog.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]net.Conn
}

const connIDLen = 10

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func connID() string {
	b := make([]byte, connIDLen)
	for i := range b {
		b[i] = alphanumerics[rand.Intn(len(alphanumerics))]
	}
	return string(b)
}

func New(config Config) *Server {
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: config,
		peers:  make(map[string]net.Conn),
		ctx:    ctx,
		cancel: cancel,
		logger: zerolog.New(os.Stderr).With().
			Str("service", "server").
			Timestamp().Logger(),
	}
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.config.Addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections until the listener is closed by Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accepting connection")
		}
		s.config.Metrics.ConnectionsAccepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and every live connection, then waits for
// the connection goroutines to drain.
func (s *Server) Shutdown() error {
	s.cancel()
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for _, conn := range s.peers {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	id := connID()
	logger := s.logger.With().Str("conn", id).Logger()
	logger.Info().Str("peer", conn.RemoteAddr().String()).Msg("connection accepted")

	s.mu.Lock()
	s.peers[id] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, id)
		s.mu.Unlock()
		conn.Close()
		logger.Info().Msg("connection closed")
	}()

	for {
		body, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Error().Err(err).Msg("reading frame")
			}
			return
		}
		s.config.Metrics.FramesRead.Inc()

		resp := s.handleRequest(body, &logger)
		out, err := resp.Marshal()
		if err != nil {
			logger.Error().Err(err).Msg("encoding response")
			return
		}
		if err := protocol.WriteFrame(conn, out); err != nil {
			logger.Error().Err(err).Msg("writing frame")
			return
		}
	}
}

// handleRequest decodes and dispatches one frame. Decode failures and
// protocol misuse produce an InvalidResponse on the same connection; only
// transport errors terminate it.
func (s *Server) handleRequest(body []byte, logger *zerolog.Logger) *protocol.Envelope {
	env, err := protocol.Unmarshal(body)
	if err != nil {
		s.config.Metrics.DecodeFailures.Inc()
		logger.Warn().Err(err).Msg("invalid message")
		return invalid("invalid message sent")
	}

	switch {
	case env.TopicRequest != nil:
		return s.handleTopicRequest(env.TopicRequest, logger)
	case env.ProduceRequest != nil:
		return s.handleProduce(env.ProduceRequest, logger)
	case env.ConsumeRequest != nil:
		return s.handleConsume(env.ConsumeRequest, logger)
	case env.TopicResponse != nil:
		return invalid("topic response is an invalid request")
	case env.ProduceResponse != nil:
		return invalid("produce response is an invalid request")
	case env.ConsumeResponse != nil:
		return invalid("consume response is an invalid request")
	case env.InvalidResponse != nil:
		return invalid("invalid response is an invalid request")
	}
	return invalid("not in schema")
}

func invalid(msg string) *protocol.Envelope {
	return &protocol.Envelope{
		InvalidResponse: &protocol.InvalidResponse{ErrorMessage: msg},
	}
}

func (s *Server) handleTopicRequest(req *protocol.TopicRequest, logger *zerolog.Logger) *protocol.Envelope {
	resp := &protocol.TopicResponse{
		TopicName: req.TopicName,
		Kind:      req.Kind,
	}
	switch req.Kind {
	case protocol.TopicCreate:
		err := s.config.Broker.CreateTopic(req.TopicName, req.MaxSegmentBytes, req.MaxRetentionBytes)
		if err != nil {
			logger.Warn().Err(err).Str("topic", req.TopicName).Msg("create topic")
		}
		resp.Success = err == nil
	case protocol.TopicDescribe:
		info, err := s.config.Broker.DescribeTopic(req.TopicName)
		if err != nil {
			logger.Warn().Err(err).Str("topic", req.TopicName).Msg("describe topic")
		}
		resp.Success = err == nil
		resp.MaxRetentionBytes = info.MaxRetentionBytes
		resp.MaxSegmentBytes = info.MaxSegmentBytes
		resp.ConsumerGroups = info.ConsumerGroups
	case protocol.TopicDelete:
		err := s.config.Broker.DeleteTopic(req.TopicName)
		if err != nil {
			logger.Warn().Err(err).Str("topic", req.TopicName).Msg("delete topic")
		}
		resp.Success = err == nil
	case protocol.TopicAll:
		for _, t := range s.config.Broker.ListTopics() {
			resp.Topics = append(resp.Topics, protocol.TopicSummary{
				TopicName:      t.Name,
				ConsumerGroups: t.ConsumerGroups,
			})
		}
		resp.Success = true
	default:
		return invalid("unknown topic request kind")
	}
	return &protocol.Envelope{TopicResponse: resp}
}

func (s *Server) handleProduce(req *protocol.ProduceRequest, logger *zerolog.Logger) *protocol.Envelope {
	payloads := make([][]byte, 0, len(req.Messages))
	for _, m := range req.Messages {
		payloads = append(payloads, protocol.MarshalMessage(m))
	}
	offset, err := s.config.Broker.Produce(req.TopicName, payloads)
	if err != nil {
		logger.Warn().Err(err).Str("topic", req.TopicName).Msg("produce")
	} else {
		s.config.Metrics.MessagesProduced.Add(float64(len(payloads)))
	}
	return &protocol.Envelope{ProduceResponse: &protocol.ProduceResponse{
		TopicName: req.TopicName,
		Success:   err == nil,
		Offset:    offset,
	}}
}

func (s *Server) handleConsume(req *protocol.ConsumeRequest, logger *zerolog.Logger) *protocol.Envelope {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	payloads, err := s.config.Broker.Consume(s.ctx, req.TopicName, req.ConsumerGroup, timeout)
	if err != nil {
		logger.Warn().Err(err).Str("topic", req.TopicName).Msg("consume")
	}
	resp := &protocol.ConsumeResponse{
		TopicName: req.TopicName,
		Success:   err == nil && len(payloads) > 0,
	}
	for _, p := range payloads {
		m, err := protocol.UnmarshalMessage(p)
		if err != nil {
			logger.Error().Err(err).Str("topic", req.TopicName).Msg("decoding stored message")
			continue
		}
		resp.Messages = append(resp.Messages, m)
	}
	s.config.Metrics.MessagesConsumed.Add(float64(len(resp.Messages)))
	return &protocol.Envelope{ConsumeResponse: resp}
}
