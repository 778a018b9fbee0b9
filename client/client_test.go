package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediajobs/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(seq uint64, status task.Status) task.Snapshot {
	return task.Snapshot{JobID: "job1", Seq: seq, Kind: task.KindDownload, Status: status, Progress: float64(seq)}
}

func writeEvent(t *testing.T, w http.ResponseWriter, s task.Snapshot) {
	t.Helper()
	data, err := json.Marshal(s)
	assert.NoError(t, err)
	fmt.Fprintf(w, "id:%d\nevent:progress\ndata:%s\n\n", s.Seq, data)
	w.(http.Flusher).Flush()
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

type seqLog struct {
	mu   sync.Mutex
	seqs []uint64
}

func (l *seqLog) add(s task.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seqs = append(l.seqs, s.Seq)
}

func (l *seqLog) all() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.seqs...)
}

func TestWatch_DeliversInOrderAndStopsAtTerminal(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		assert.Equal(t, "/api/v1/jobs/job1/events", r.URL.Path)
		startStream(w)
		fmt.Fprint(w, ": keep-alive\n\n")
		for _, s := range []task.Snapshot{
			snap(1, task.StatusQueued),
			snap(2, task.StatusDownloading),
			snap(2, task.StatusDownloading),
			snap(1, task.StatusQueued),
			snap(3, task.StatusDownloading),
			snap(4, task.StatusCompleted),
		} {
			writeEvent(t, w, s)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret")
	got := &seqLog{}
	final, err := c.Watch(context.Background(), "job1", got.add)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, []uint64{1, 2, 3, 4}, got.all())
	assert.Equal(t, "Bearer secret", <-auth)
}

func TestWatch_ResubscribesAfterDrop(t *testing.T) {
	var connections atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/job1/events", func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		if connections.Add(1) == 1 {
			writeEvent(t, w, snap(1, task.StatusQueued))
			writeEvent(t, w, snap(2, task.StatusDownloading))
			return
		}
		writeEvent(t, w, snap(2, task.StatusDownloading))
		writeEvent(t, w, snap(3, task.StatusCompleted))
	})
	mux.HandleFunc("/api/v1/jobs/job1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(snap(2, task.StatusDownloading))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "")
	c.RetryDelay = 10 * time.Millisecond
	var drops []*ConnectivityError
	c.OnConnectivityError = func(err *ConnectivityError) {
		drops = append(drops, err)
	}

	got := &seqLog{}
	final, err := c.Watch(context.Background(), "job1", got.add)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), final.Seq)
	assert.Equal(t, []uint64{1, 2, 3}, got.all())
	assert.Equal(t, int32(2), connections.Load())
	require.Len(t, drops, 1)
	assert.Equal(t, "subscribe", drops[0].Op)
}

func TestWatch_QueriesStatusWhenStreamIsSilent(t *testing.T) {
	var queries atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/job1/events", func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeEvent(t, w, snap(1, task.StatusDownloading))
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/v1/jobs/job1", func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		_ = json.NewEncoder(w).Encode(snap(5, task.StatusCompleted))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "")
	c.PollAfter = 50 * time.Millisecond
	got := &seqLog{}
	final, err := c.Watch(context.Background(), "job1", got.add)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, []uint64{1, 5}, got.all())
	assert.Equal(t, int32(1), queries.Load())
}

func TestWatch_UnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"job not found: nope"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Watch(context.Background(), "nope", func(task.Snapshot) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrNotFound))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "job not found: nope", statusErr.Message)
}

func TestWatch_StopsWhenContextIsCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		writeEvent(t, w, snap(1, task.StatusQueued))
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL, "")
	c.PollAfter = time.Hour
	_, err := c.Watch(ctx, "job1", func(s task.Snapshot) {
		if s.Seq == 1 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			fmt.Fprint(w, `{"status":"ok"}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable","error":"service unavailable: yt-dlp missing"}`)
	}))

	c := New(srv.URL, "")
	assert.NoError(t, c.Health(context.Background()))

	healthy.Store(false)
	err := c.Health(context.Background())
	assert.ErrorIs(t, err, task.ErrServiceUnavailable)
	assert.Contains(t, err.Error(), "yt-dlp missing")

	srv.Close()
	err = c.Health(context.Background())
	var connErr *ConnectivityError
	assert.ErrorAs(t, err, &connErr)
}

func TestPollHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	New(srv.URL, "").PollHealth(ctx, 5*time.Millisecond, func(err error) {
		assert.NoError(t, err)
		calls++
		if calls == 3 {
			cancel()
		}
	})
	assert.Equal(t, 3, calls)
}
