// Package agent wires the broker and its servers into one runnable unit.
package agent

import (
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucidmq/lucidmq/internal/broker"
	"github.com/lucidmq/lucidmq/internal/server"
)

type Config struct {
	// DataDir holds the metadata file and topic directories.
	DataDir string
	// BindAddr serves the framed TCP protocol.
	BindAddr string
	// HTTPAddr serves the admin API and metrics; empty disables it.
	HTTPAddr string

	MaxSegmentBytes  uint64
	MaxTopicBytes    uint64
	AutoCreateTopics bool
	PollInterval     time.Duration
}

// An Agent runs a complete broker instance: the storage-backed broker, the
// TCP request loop, and the optional HTTP admin server. The struct
// references each component it manages so Shutdown can stop them in order.
type Agent struct {
	Config

	logger     zerolog.Logger
	broker     *broker.Broker
	server     *server.Server
	httpServer *http.Server
	metrics    *server.Metrics

	shutdown     bool
	shutdownLock sync.Mutex
}

func New(config Config) (*Agent, error) {
	a := &Agent{
		Config: config,
		logger: zerolog.New(os.Stderr).With().
			Str("service", "agent").
			Timestamp().Logger(),
	}

	setup := []func() error{
		a.setupBroker,
		a.setupServer,
		a.setupHTTPServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupBroker() error {
	var err error
	a.broker, err = broker.New(broker.Config{
		BaseDirectory:    a.Config.DataDir,
		MaxSegmentBytes:  a.Config.MaxSegmentBytes,
		MaxTopicBytes:    a.Config.MaxTopicBytes,
		AutoCreateTopics: a.Config.AutoCreateTopics,
		PollInterval:     a.Config.PollInterval,
	})
	return err
}

func (a *Agent) setupServer() error {
	a.metrics = server.NewMetrics()
	a.server = server.New(server.Config{
		Addr:    a.Config.BindAddr,
		Broker:  a.broker,
		Metrics: a.metrics,
	})

	ln, err := net.Listen("tcp", a.Config.BindAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := a.server.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("tcp server stopped")
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) setupHTTPServer() error {
	if a.Config.HTTPAddr == "" {
		return nil
	}
	a.httpServer = server.NewHTTPServer(a.Config.HTTPAddr, a.broker, a.metrics)

	ln, err := net.Listen("tcp", a.Config.HTTPAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("http server stopped")
			_ = a.Shutdown()
		}
	}()
	return nil
}

// Broker exposes the underlying broker for embedded, in-process use.
func (a *Agent) Broker() *broker.Broker {
	return a.broker
}

// Shutdown stops the servers and closes the broker, flushing its metadata.
// It is safe to call more than once.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		func() error {
			if a.httpServer == nil {
				return nil
			}
			return a.httpServer.Close()
		},
		a.server.Shutdown,
		a.broker.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
