// Package history keeps the bounded record of finished jobs, one bucket per
// job kind and media type.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"mediajobs/media"
	"mediajobs/task"
)

// DefaultLimit is the number of entries kept per bucket.
const DefaultLimit = 50

var ErrUnknownBucket = errors.New("unknown history bucket")

// Key selects a bucket.
type Key struct {
	Kind      task.Kind
	MediaType media.MediaType
}

func (k Key) String() string {
	return string(k.Kind) + "/" + string(k.MediaType)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys() {
		if k.String() == s {
			return k, nil
		}
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnknownBucket, s)
}

// Keys lists every bucket in display order.
func Keys() []Key {
	return []Key{
		{task.KindDownload, media.Video},
		{task.KindDownload, media.Audio},
		{task.KindCompress, media.Video},
		{task.KindConvert, media.Video},
		{task.KindConvert, media.Audio},
		{task.KindConvert, media.Image},
	}
}

func (k Key) valid() bool {
	for _, known := range Keys() {
		if k == known {
			return true
		}
	}
	return false
}

// Entry is the compact record of one completed job.
type Entry struct {
	ID          string          `json:"id"`
	Kind        task.Kind       `json:"kind"`
	MediaType   media.MediaType `json:"mediaType"`
	Title       string          `json:"title,omitempty"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	Format      string          `json:"format,omitempty"`
	Quality     string          `json:"quality,omitempty"`
	InputRef    string          `json:"inputRef"`
	OutputPath  string          `json:"outputPath"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

func (e Entry) Key() Key {
	return Key{Kind: e.Kind, MediaType: e.MediaType}
}

// UnmarshalJSON accepts timestamps written as RFC 3339 strings or as epoch
// milliseconds.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var raw struct {
		plain
		CreatedAt   json.RawMessage `json:"createdAt"`
		CompletedAt json.RawMessage `json:"completedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry(raw.plain)

	var err error
	if e.CreatedAt, err = parseTime(raw.CreatedAt); err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	if e.CompletedAt, err = parseTime(raw.CompletedAt); err != nil {
		return fmt.Errorf("completedAt: %w", err)
	}
	return nil
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// FromSnapshot projects a completed snapshot into an entry.
func FromSnapshot(s task.Snapshot) Entry {
	return Entry{
		ID:          s.JobID,
		Kind:        s.Kind,
		MediaType:   s.Metadata.MediaType,
		Title:       s.Metadata.Title,
		Thumbnail:   s.Metadata.Thumbnail,
		Platform:    s.Metadata.Platform,
		Format:      s.Metadata.Format,
		Quality:     s.Metadata.Quality,
		InputRef:    s.InputRef,
		OutputPath:  s.OutputPath,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.UpdatedAt,
	}
}

// Store persists buckets keyed by Key.String.
type Store interface {
	Load() (map[string][]Entry, error)
	Save(buckets map[string][]Entry) error
}

// Reconciler turns completed jobs into history entries exactly once.
type Reconciler struct {
	store Store
	limit int

	mu         sync.Mutex
	buckets    map[Key][]Entry
	reconciled map[string]bool
}

// New returns an empty reconciler. store may be nil to keep history in
// memory only; a limit below one means DefaultLimit.
func New(store Store, limit int) *Reconciler {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Reconciler{
		store:      store,
		limit:      limit,
		buckets:    make(map[Key][]Entry),
		reconciled: make(map[string]bool),
	}
}

// Load restores persisted buckets, truncating any that exceed the limit.
// Unknown bucket names are skipped.
func (r *Reconciler) Load() error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	truncated := false
	for name, entries := range persisted {
		key, err := ParseKey(name)
		if err != nil {
			log.Printf("Skipping history bucket %q: %v", name, err)
			continue
		}
		if len(entries) > r.limit {
			entries = entries[:r.limit]
			truncated = true
		}
		r.buckets[key] = append([]Entry(nil), entries...)
		for _, e := range entries {
			r.reconciled[e.ID] = true
		}
	}
	if truncated {
		r.persist()
	}
	return nil
}

// Reconcile records a completed snapshot. It reports false when the snapshot
// is not completed, has no usable bucket, or was already recorded.
func (r *Reconciler) Reconcile(s task.Snapshot) (Entry, bool) {
	if s.Status != task.StatusCompleted || s.JobID == "" {
		return Entry{}, false
	}
	entry := FromSnapshot(s)
	key := entry.Key()
	if !key.valid() {
		log.Printf("Job %s has no history bucket %s", s.JobID, key)
		return Entry{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconciled[entry.ID] {
		return Entry{}, false
	}
	r.reconciled[entry.ID] = true

	bucket := append([]Entry{entry}, r.buckets[key]...)
	if len(bucket) > r.limit {
		bucket = bucket[:r.limit]
	}
	r.buckets[key] = bucket
	r.persist()
	return entry, true
}

// Record implements task.Recorder.
func (r *Reconciler) Record(s task.Snapshot) {
	if e, ok := r.Reconcile(s); ok {
		log.Printf("Recorded job %s in %s history.", e.ID, e.Key())
	}
}

// persist must be called with r.mu held.
func (r *Reconciler) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.Save(r.snapshotLocked()); err != nil {
		log.Printf("Failed to persist history: %v", err)
	}
}

func (r *Reconciler) snapshotLocked() map[string][]Entry {
	out := make(map[string][]Entry, len(r.buckets))
	for k, entries := range r.buckets {
		out[k.String()] = append([]Entry(nil), entries...)
	}
	return out
}

// Bucket returns the entries of one bucket, newest first.
func (r *Reconciler) Bucket(k Key) ([]Entry, error) {
	if !k.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, k)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry{}, r.buckets[k]...), nil
}

// Buckets returns every bucket keyed by its name. Empty buckets are included.
func (r *Reconciler) Buckets() map[string][]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snapshotLocked()
	for _, k := range Keys() {
		if _, ok := out[k.String()]; !ok {
			out[k.String()] = []Entry{}
		}
	}
	return out
}
