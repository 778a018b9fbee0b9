// Package client observes jobs over the HTTP API.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediajobs/task"
)

const (
	DefaultPollAfter  = 10 * time.Second
	DefaultRetryDelay = time.Second
	healthTimeout     = 5 * time.Second
)

// ConnectivityError reports a lost or failed connection to the service. It
// says nothing about the state of the job being watched.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connection problem: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// PollAfter is how long a stream may stay silent before the job is
	// queried directly.
	PollAfter time.Duration
	// RetryDelay is the pause before resubscribing after a dropped stream.
	RetryDelay time.Duration
	// OnConnectivityError, if set, is told about every dropped stream.
	OnConnectivityError func(*ConnectivityError)
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		http:       &http.Client{},
		PollAfter:  DefaultPollAfter,
		RetryDelay: DefaultRetryDelay,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	err := &StatusError{Code: resp.StatusCode, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", task.ErrNotFound, err)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", task.ErrServiceUnavailable, err)
	}
	return err
}

// Job fetches the current snapshot of a job.
func (c *Client) Job(ctx context.Context, jobID string) (task.Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return task.Snapshot{}, err
	}
	resp, err := c.do(req, "get job")
	if err != nil {
		return task.Snapshot{}, err
	}
	defer resp.Body.Close()

	var snap task.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return task.Snapshot{}, &ConnectivityError{Op: "get job", Err: err}
	}
	return snap, nil
}

// Health asks the service whether it can take jobs. It gives up after five
// seconds.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, "/health")
	if err != nil {
		return err
	}
	resp, err := c.do(req, "health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PollHealth reports the service health to fn right away and then every
// interval until ctx is done.
func (c *Client) PollHealth(ctx context.Context, every time.Duration, fn func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		fn(c.Health(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchState delivers snapshots to the caller in strictly increasing seq
// order.
type watchState struct {
	fn        func(task.Snapshot)
	delivered bool
	lastSeq   uint64
	final     task.Snapshot
	done      bool
}

func (w *watchState) deliver(s task.Snapshot) {
	if w.done || (w.delivered && s.Seq <= w.lastSeq) {
		return
	}
	w.delivered = true
	w.lastSeq = s.Seq
	w.fn(s)
	if s.IsTerminal() {
		w.final = s
		w.done = true
	}
}

// Watch follows a job until it reaches a terminal status and returns that
// snapshot. fn sees each snapshot at most once and never out of order.
// Dropped streams are reported through OnConnectivityError and resubscribed.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(task.Snapshot)) (task.Snapshot, error) {
	w := &watchState{fn: fn}
	for {
		err := c.stream(ctx, jobID, w)
		if w.done {
			return w.final, nil
		}
		if ctx.Err() != nil {
			return task.Snapshot{}, ctx.Err()
		}

		var connErr *ConnectivityError
		if !errors.As(err, &connErr) {
			return task.Snapshot{}, err
		}
		log.Printf("Job %s: event stream lost, resubscribing: %v", jobID, err)
		if c.OnConnectivityError != nil {
			c.OnConnectivityError(connErr)
		}

		select {
		case <-ctx.Done():
			return task.Snapshot{}, ctx.Err()
		case <-time.After(c.RetryDelay):
		}
		// Catch up on anything missed while disconnected.
		if snap, err := c.Job(ctx, jobID); err == nil {
			w.deliver(snap)
			if w.done {
				return w.final, nil
			}
		} else if !errors.As(err, &connErr) {
			return task.Snapshot{}, err
		}
	}
}

type streamEvent struct {
	snap task.Snapshot
	err  error
}

// stream consumes one subscription. It returns nil once the terminal
// snapshot was delivered and a ConnectivityError when the stream ended early.
func (c *Client) stream(ctx context.Context, jobID string, w *watchState) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(req, "subscribe")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	events := make(chan streamEvent)
	go readEvents(ctx, resp.Body, events)

	pollAfter := c.PollAfter
	if pollAfter <= 0 {
		pollAfter = DefaultPollAfter
	}
	quiet := time.NewTimer(pollAfter)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return &ConnectivityError{Op: "subscribe", Err: io.ErrUnexpectedEOF}
			}
			if ev.err != nil {
				return &ConnectivityError{Op: "subscribe", Err: ev.err}
			}
			w.deliver(ev.snap)
			if w.done {
				return nil
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(pollAfter)
		case <-quiet.C:
			snap, err := c.Job(ctx, jobID)
			if err != nil {
				log.Printf("Job %s: status query failed: %v", jobID, err)
			} else {
				w.deliver(snap)
				if w.done {
					return nil
				}
			}
			quiet.Reset(pollAfter)
		}
	}
}

// readEvents parses a text/event-stream body and sends each progress
// snapshot to out. out is closed when the body ends.
func readEvents(ctx context.Context, body io.Reader, out chan<- streamEvent) {
	defer close(out)
	send := func(ev streamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	var (
		event string
		data  strings.Builder
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				send(streamEvent{err: err})
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 && (event == "" || event == "progress") {
				var snap task.Snapshot
				if err := json.Unmarshal([]byte(data.String()), &snap); err != nil {
					log.Printf("Warning: skipping malformed event: %v", err)
				} else if !send(streamEvent{snap: snap}) {
					return
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
