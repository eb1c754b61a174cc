package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/lucidmq/lucidmq/internal/broker"
)

// The HTTP server is an admin surface beside the framed TCP protocol: topic
// CRUD as JSON plus the prometheus endpoint. Produce and consume stay on
// the TCP protocol.

// NewHTTPServer returns an *http.Server serving the admin API on addr.
func NewHTTPServer(addr string, b Broker, metrics *Metrics) *http.Server {
	httpsrv := &httpServer{broker: b}
	r := mux.NewRouter()
	r.HandleFunc("/topics", httpsrv.handleListTopics).Methods("GET")
	r.HandleFunc("/topics", httpsrv.handleCreateTopic).Methods("POST")
	r.HandleFunc("/topics/{name}", httpsrv.handleDescribeTopic).Methods("GET")
	r.HandleFunc("/topics/{name}", httpsrv.handleDeleteTopic).Methods("DELETE")
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

type httpServer struct {
	broker Broker
}

type CreateTopicRequest struct {
	Name              string `json:"name"`
	MaxSegmentBytes   uint64 `json:"max_segment_bytes"`
	MaxRetentionBytes uint64 `json:"max_retention_bytes"`
}

type TopicResponse struct {
	Name              string   `json:"name"`
	MaxSegmentBytes   uint64   `json:"max_segment_bytes,omitempty"`
	MaxRetentionBytes uint64   `json:"max_retention_bytes,omitempty"`
	ConsumerGroups    []string `json:"consumer_groups"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrTopicNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrTopicExists):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (s *httpServer) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.broker.ListTopics()
	res := make([]TopicResponse, 0, len(topics))
	for _, t := range topics {
		res = append(res, TopicResponse{
			Name:           t.Name,
			ConsumerGroups: t.ConsumerGroups,
		})
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *httpServer) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "topic name is required", http.StatusBadRequest)
		return
	}
	if err := s.broker.CreateTopic(req.Name, req.MaxSegmentBytes, req.MaxRetentionBytes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *httpServer) handleDescribeTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.broker.DescribeTopic(name)
	if err != nil {
		writeError(w, err)
		return
	}
	res := TopicResponse{
		Name:              name,
		MaxSegmentBytes:   info.MaxSegmentBytes,
		MaxRetentionBytes: info.MaxRetentionBytes,
		ConsumerGroups:    info.ConsumerGroups,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *httpServer) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.broker.DeleteTopic(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
