package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucidmq/lucidmq/internal/broker"
)

func setupHTTP(t *testing.T) *httptest.Server {
	t.Helper()
	b, err := broker.New(broker.Config{
		BaseDirectory:   t.TempDir(),
		MaxSegmentBytes: 64,
		MaxTopicBytes:   256,
		PollInterval:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	srv := NewHTTPServer("127.0.0.1:0", b, NewMetrics())
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts
}

func TestHTTPTopicAdmin(t *testing.T) {
	ts := setupHTTP(t)

	// create
	body, err := json.Marshal(CreateTopicRequest{
		Name:              "alpha",
		MaxSegmentBytes:   64,
		MaxRetentionBytes: 256,
	})
	require.NoError(t, err)
	res, err := http.Post(ts.URL+"/topics", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	// duplicate create conflicts
	res, err = http.Post(ts.URL+"/topics", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusConflict, res.StatusCode)

	// describe
	res, err = http.Get(ts.URL + "/topics/alpha")
	require.NoError(t, err)
	var info TopicResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
	res.Body.Close()
	require.Equal(t, "alpha", info.Name)
	require.Equal(t, uint64(64), info.MaxSegmentBytes)
	require.Equal(t, uint64(256), info.MaxRetentionBytes)

	// list
	res, err = http.Get(ts.URL + "/topics")
	require.NoError(t, err)
	var topics []TopicResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&topics))
	res.Body.Close()
	require.Len(t, topics, 1)
	require.Equal(t, "alpha", topics[0].Name)

	// delete, then describe is a 404
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/topics/alpha", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, err = http.Get(ts.URL + "/topics/alpha")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHTTPCreateTopicValidation(t *testing.T) {
	ts := setupHTTP(t)

	res, err := http.Post(ts.URL+"/topics", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(ts.URL+"/topics", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHTTPMetrics(t *testing.T) {
	ts := setupHTTP(t)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), "lucidmq_connections_accepted_total")
}
