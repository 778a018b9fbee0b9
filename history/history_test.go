package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mediajobs/media"
	"mediajobs/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]Entry
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load() (map[string][]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.loadErr
}

func (m *memStore) Save(buckets map[string][]Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data = buckets
	return nil
}

func completed(id string, kind task.Kind, mt media.MediaType) task.Snapshot {
	now := time.Now()
	return task.Snapshot{
		JobID:      id,
		Seq:        7,
		Kind:       kind,
		Status:     task.StatusCompleted,
		Progress:   100,
		InputRef:   "https://video.example/watch?v=" + id,
		OutputPath: "/out/" + id + ".mp4",
		Metadata:   task.Metadata{Title: "clip " + id, MediaType: mt, Format: "mp4", Platform: "other"},
		CreatedAt:  now.Add(-time.Minute),
		UpdatedAt:  now,
	}
}

func TestReconcile_OnlyOncePerJob(t *testing.T) {
	store := &memStore{}
	r := New(store, 0)

	snap := completed("a", task.KindDownload, media.Video)
	entry, ok := r.Reconcile(snap)
	require.True(t, ok)
	assert.Equal(t, "a", entry.ID)
	assert.Equal(t, "/out/a.mp4", entry.OutputPath)
	assert.Equal(t, snap.UpdatedAt, entry.CompletedAt)

	_, ok = r.Reconcile(snap)
	assert.False(t, ok, "duplicate delivery is ignored")
	r.Record(snap)

	videos, err := r.Bucket(Key{task.KindDownload, media.Video})
	require.NoError(t, err)
	assert.Len(t, videos, 1)
	assert.Equal(t, 1, store.saves)
}

func TestReconcile_IgnoresNonCompleted(t *testing.T) {
	r := New(nil, 0)
	snap := completed("a", task.KindDownload, media.Video)
	snap.Status = task.StatusError
	_, ok := r.Reconcile(snap)
	assert.False(t, ok)

	snap = completed("b", task.KindCompress, media.Audio)
	_, ok = r.Reconcile(snap)
	assert.False(t, ok, "compress/audio is not a bucket")
}

func TestReconcile_BucketCap(t *testing.T) {
	r := New(nil, DefaultLimit)
	key := Key{task.KindConvert, media.Image}
	for i := 0; i < DefaultLimit+1; i++ {
		_, ok := r.Reconcile(completed(fmt.Sprintf("job-%02d", i), task.KindConvert, media.Image))
		require.True(t, ok)
	}

	entries, err := r.Bucket(key)
	require.NoError(t, err)
	require.Len(t, entries, DefaultLimit)
	assert.Equal(t, "job-50", entries[0].ID, "newest first")
	assert.Equal(t, "job-01", entries[len(entries)-1].ID, "oldest evicted")
}

func TestReconcile_BucketsAreIndependent(t *testing.T) {
	r := New(nil, 0)
	r.Record(completed("v", task.KindDownload, media.Video))
	r.Record(completed("a", task.KindDownload, media.Audio))
	r.Record(completed("c", task.KindConvert, media.Audio))

	all := r.Buckets()
	assert.Len(t, all, len(Keys()))
	assert.Len(t, all["download/video"], 1)
	assert.Len(t, all["download/audio"], 1)
	assert.Len(t, all["convert/audio"], 1)
	assert.Empty(t, all["compress/video"])

	_, err := r.Bucket(Key{task.KindCompress, media.Image})
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestReconcile_PersistFailureIsNotFatal(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	r := New(store, 0)
	_, ok := r.Reconcile(completed("a", task.KindDownload, media.Video))
	assert.True(t, ok)
	entries, _ := r.Bucket(Key{task.KindDownload, media.Video})
	assert.Len(t, entries, 1)
}

func TestLoad(t *testing.T) {
	var entries []Entry
	for i := 0; i < 60; i++ {
		entries = append(entries, Entry{ID: fmt.Sprintf("old-%02d", i), Kind: task.KindDownload, MediaType: media.Video})
	}
	store := &memStore{data: map[string][]Entry{
		"download/video": entries,
		"upload/video":   {{ID: "x"}},
	}}
	r := New(store, 0)
	require.NoError(t, r.Load())

	videos, _ := r.Bucket(Key{task.KindDownload, media.Video})
	require.Len(t, videos, DefaultLimit)
	assert.Equal(t, "old-00", videos[0].ID)
	assert.Equal(t, 1, store.saves, "truncated history is written back")

	_, ok := r.Reconcile(completed("old-03", task.KindDownload, media.Video))
	assert.False(t, ok, "loaded ids count as reconciled")

	failing := New(&memStore{loadErr: errors.New("corrupt")}, 0)
	assert.Error(t, failing.Load())
}

func TestEntry_UnmarshalTimestamps(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `"2024-03-01T10:20:30Z"`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"epoch millis", `1709288430000`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"epoch millis as string", `"1709288430000"`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"missing", `null`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := fmt.Sprintf(`{"id":"a","kind":"download","mediaType":"video","createdAt":%s,"completedAt":%s}`, tt.raw, tt.raw)
			var e Entry
			require.NoError(t, json.Unmarshal([]byte(data), &e))
			assert.Equal(t, "a", e.ID)
			assert.Equal(t, task.KindDownload, e.Kind)
			assert.True(t, tt.want.Equal(e.CreatedAt), "got %s", e.CreatedAt)
			assert.True(t, tt.want.Equal(e.CompletedAt), "got %s", e.CompletedAt)
		})
	}

	var e Entry
	assert.Error(t, json.Unmarshal([]byte(`{"id":"a","createdAt":true}`), &e))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("convert/image")
	require.NoError(t, err)
	assert.Equal(t, Key{task.KindConvert, media.Image}, k)

	_, err = ParseKey("convert")
	assert.ErrorIs(t, err, ErrUnknownBucket)
}
