package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/session"
	"github.com/Metaphorme/railsync/pkg/store"
)

type fixedStatus session.Status

func (f fixedStatus) Status() session.Status { return session.Status(f) }

type fixedJournal struct {
	rows  []store.JournalRow
	err   error
	asked int
}

func (f *fixedJournal) Journal(limit int) ([]store.JournalRow, error) {
	f.asked = limit
	return f.rows, f.err
}

func newTestServer(t *testing.T, j JournalSource, limiter *IPLimiter) *httptest.Server {
	t.Helper()
	st := fixedStatus{
		User:   "hank",
		Role:   models.RoleHost.String(),
		State:  models.StateActive.String(),
		Host:   "hank",
		Clock:  120,
		Owners: map[int]string{1: "alice"},
		Lost:   []session.LostEntry{{User: "bob", Train: 2, QuitTime: 90}},
	}
	h := NewHTTPHandlers(st, j, limiter, []string{"/ip4/10.0.0.2/tcp/30000/p2p/12D3KooWexample"})
	srv := httptest.NewServer(h.Routes(slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleSession(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	resp, err := http.Get(srv.URL + "/v1/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "host", got.Role)
	assert.Equal(t, models.ProtocolVersion, got.Protocol)
	assert.Equal(t, "alice", got.Owners[1])
	assert.Equal(t, []session.LostEntry{{User: "bob", Train: 2, QuitTime: 90}}, got.Lost)
	assert.Len(t, got.Addrs, 1)

	post, err := http.Post(srv.URL+"/v1/session", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestHandleJournal(t *testing.T) {
	j := &fixedJournal{rows: []store.JournalRow{{ID: 1, User: "alice", Kind: "join", Train: 1}}}
	srv := newTestServer(t, j, nil)

	resp, err := http.Get(srv.URL + "/v1/journal?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got JournalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 5, j.asked)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "join", got.Events[0].Kind)

	bad, err := http.Get(srv.URL + "/v1/journal?limit=-1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	j.err = errors.New("disk full")
	broken, err := http.Get(srv.URL + "/v1/journal")
	require.NoError(t, err)
	broken.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, broken.StatusCode)
	assert.Equal(t, defaultJournalLimit, j.asked)
}

func TestHandleJournal_Disabled(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	resp, err := http.Get(srv.URL + "/v1/journal")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, nil, NewIPLimiter(time.Minute, 2, time.Minute, 5))
	codes := make([]int, 0, 3)
	for range 3 {
		resp, err := http.Get(srv.URL + "/v1/session")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestIPLimiter_FailWindow(t *testing.T) {
	l := NewIPLimiter(time.Minute, 100, 10*time.Minute, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.RecordFail("10.0.0.9", now)
	l.RecordFail("10.0.0.9", now.Add(time.Second))

	ok, wait := l.Allow("10.0.0.9", now.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 10*time.Minute-2*time.Second, wait)

	ok, _ = l.Allow("10.0.0.10", now.Add(2*time.Second))
	assert.True(t, ok)

	ok, _ = l.Allow("10.0.0.9", now.Add(11*time.Minute))
	assert.True(t, ok)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))
	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestSplitCSVAndP2P(t *testing.T) {
	assert.Nil(t, SplitCSV("  "))
	assert.Equal(t, []string{"a", "b"}, SplitCSV("a, ,b,"))
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1/p2p/X", AddP2PIfMissing("/ip4/1.2.3.4/tcp/1", "X"))
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1/p2p/Y", AddP2PIfMissing("/ip4/1.2.3.4/tcp/1/p2p/Y", "X"))
}
