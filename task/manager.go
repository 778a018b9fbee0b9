package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"mediajobs/config"
	"mediajobs/media"
	"mediajobs/progress"

	"github.com/lithammer/shortuuid/v4"
)

// Recorder receives every snapshot of a job that reached completed.
type Recorder interface {
	Record(s Snapshot)
}

// Defaults are the values a submission falls back to for fields it leaves
// empty.
type Defaults struct {
	OutputDir      string
	VideoFormat    string
	VideoQuality   string
	AudioFormat    string
	AudioQuality   string
	CompressFormat string
	CompressPreset string
	ConvertQuality string
}

// Preferences supplies submission defaults, typically from saved settings.
type Preferences interface {
	Defaults() (Defaults, error)
}

type control struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type healthState struct {
	mu        sync.Mutex
	checkedAt time.Time
	err       error
}

// Manager accepts jobs, runs them concurrently and keeps observers informed.
type Manager struct {
	cfg         *config.Config
	registry    *Registry
	broadcaster *Broadcaster
	worker      Worker
	recorder    Recorder
	preferences Preferences
	runner      *runner
	// sem caps concurrent runners; nil means unbounded.
	sem chan struct{}

	mu       sync.Mutex
	controls map[string]*control
	baseCtx  context.Context
	stopAll  context.CancelCauseFunc
	wg       sync.WaitGroup

	health healthState
}

// NewManager wires the registry and broadcaster around worker. recorder may
// be nil.
func NewManager(cfg *config.Config, worker Worker, recorder Recorder) (*Manager, error) {
	if worker == nil {
		return nil, errors.New("worker is required")
	}
	baseCtx, stopAll := context.WithCancelCause(context.Background())
	m := &Manager{
		cfg:         cfg,
		broadcaster: NewBroadcaster(),
		worker:      worker,
		recorder:    recorder,
		controls:    make(map[string]*control),
		baseCtx:     baseCtx,
		stopAll:     stopAll,
	}
	m.registry = NewRegistry(m.onChange)
	m.runner = &runner{
		registry: m.registry,
		worker:   worker,
		timeout:  cfg.JobTimeout,
		grace:    cfg.CancelGrace,
	}
	if cfg.MaxConcurrency > 0 {
		m.sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return m, nil
}

// SetPreferences makes p the source of submission defaults. Call it before
// Start.
func (m *Manager) SetPreferences(p Preferences) {
	m.preferences = p
}

func (m *Manager) onChange(s Snapshot) {
	m.broadcaster.Publish(s)
	if s.Status == StatusCompleted && m.recorder != nil {
		m.recorder.Record(s)
	}
}

// Start runs the cleanup loop. Cancelling ctx cancels every job that is still
// running.
func (m *Manager) Start(ctx context.Context) {
	limit := "unbounded"
	if m.cfg.MaxConcurrency > 0 {
		limit = strconv.Itoa(m.cfg.MaxConcurrency)
	}
	log.Println("Job manager started. Concurrency limit:", limit)
	go func() {
		<-ctx.Done()
		log.Println("Job manager shutting down, cancelling running jobs.")
		m.stopAll(errShutdown)
	}()
	go m.cleanupLoop(ctx)
}

// Wait blocks until every runner has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.RetainFinished <= 0 {
		return
	}
	interval := m.cfg.RetainFinished / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Cleanup loop shutting down.")
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep removes finished jobs older than the retention period.
func (m *Manager) sweep(now time.Time) int {
	removed := 0
	for _, j := range m.registry.List() {
		if !j.Status.IsTerminal() || now.Sub(j.FinishedAt) < m.cfg.RetainFinished {
			continue
		}
		if err := m.Remove(j.ID); err == nil {
			log.Printf("Removed finished job %s from registry.", j.ID)
			removed++
		}
	}
	return removed
}

// Submit validates req, registers the job as queued and starts it. It returns
// as soon as the job is registered.
func (m *Manager) Submit(ctx context.Context, req Request) (Snapshot, error) {
	req, err := m.normalize(req)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.Health(ctx); err != nil {
		return Snapshot{}, err
	}

	job := Job{
		ID:       fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Kind:     req.Kind,
		Status:   StatusQueued,
		Rate:     progress.Unknown,
		ETA:      progress.Unknown,
		InputRef: req.Input,
		Metadata: metadataFor(req),
		Request:  req,
	}
	snap, err := m.registry.Create(job)
	if err != nil {
		return Snapshot{}, err
	}
	m.broadcaster.Open(snap)

	jobCtx, cancel := context.WithCancelCause(m.baseCtx)
	ctrl := &control{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.controls[job.ID] = ctrl
	m.mu.Unlock()

	m.wg.Add(1)
	go m.launch(jobCtx, job.ID, ctrl)

	log.Printf("Job %s submitted (%s %s).", job.ID, job.Kind, job.InputRef)
	return snap, nil
}

func (m *Manager) launch(ctx context.Context, id string, ctrl *control) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.controls, id)
		m.mu.Unlock()
		ctrl.cancel(nil)
		close(ctrl.done)
	}()

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-ctx.Done():
		}
	}
	m.runner.run(ctx, id)
}

// Cancel asks a job to stop. Finished jobs are left alone; a job still
// waiting for a slot is cancelled on the spot.
func (m *Manager) Cancel(id string) error {
	job, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	m.mu.Lock()
	ctrl := m.controls[id]
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.cancel(errCancelledByUser)
	}

	errStarted := errors.New("already started")
	_, err = m.registry.Update(id, func(j *Job) error {
		if j.Status != StatusQueued {
			return errStarted
		}
		j.Status = StatusCancelled
		return nil
	})
	switch {
	case err == nil:
		log.Printf("Job %s cancelled while queued.", id)
	case errors.Is(err, errStarted):
		log.Printf("Cancellation signal sent to running job %s.", id)
	}
	return nil
}

func (m *Manager) Get(id string) (Snapshot, error) {
	job, err := m.registry.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return job.Snapshot(), nil
}

func (m *Manager) List() []Snapshot {
	return snapshots(m.registry.List())
}

func (m *Manager) ListActive() []Snapshot {
	return snapshots(m.registry.ListActive())
}

func snapshots(jobs []Job) []Snapshot {
	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Remove forgets a finished job.
func (m *Manager) Remove(id string) error {
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	m.broadcaster.Forget(id)
	return nil
}

func (m *Manager) Subscribe(id string) (*Subscription, error) {
	if _, err := m.registry.Get(id); err != nil {
		return nil, err
	}
	return m.broadcaster.Subscribe(id)
}

// Health reports whether the worker can take jobs. Results are cached for
// HEALTH_CACHE and a probe never takes longer than HEALTH_TIMEOUT.
func (m *Manager) Health(ctx context.Context) error {
	m.health.mu.Lock()
	if !m.health.checkedAt.IsZero() && time.Since(m.health.checkedAt) < m.cfg.HealthCache {
		err := m.health.err
		m.health.mu.Unlock()
		return err
	}
	m.health.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	_, err := await(probeCtx, 0, func() (struct{}, error) {
		return struct{}{}, m.worker.Health(probeCtx)
	})
	if errors.Is(err, errUnresponsive) {
		err = fmt.Errorf("health check timed out after %s", m.cfg.HealthTimeout)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	m.health.mu.Lock()
	m.health.checkedAt = time.Now()
	m.health.err = err
	m.health.mu.Unlock()
	return err
}

// FetchInfo resolves metadata for a remote URL within INFO_TIMEOUT.
func (m *Manager) FetchInfo(ctx context.Context, rawURL string) (Info, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return Info{}, err
	}
	if m.cfg.InfoTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.InfoTimeout)
		defer cancel()
	}
	info, err := await(ctx, 0, func() (Info, error) {
		return m.worker.FetchInfo(ctx, u)
	})
	if errors.Is(err, errUnresponsive) || errors.Is(err, context.DeadlineExceeded) {
		return Info{}, fmt.Errorf("metadata fetch timed out after %s", m.cfg.InfoTimeout)
	}
	if err != nil {
		return Info{}, err
	}
	info.Platform = media.DetectPlatform(u)
	return info, nil
}

func (m *Manager) normalize(req Request) (Request, error) {
	req.Input = strings.TrimSpace(req.Input)
	req.Format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Format), "."))
	req.Quality = strings.ToLower(strings.TrimSpace(req.Quality))
	req = m.applyPreferences(req)
	if req.OutputDir == "" {
		req.OutputDir = m.cfg.OutputDir
	}

	switch req.Kind {
	case KindDownload:
		return normalizeDownload(req)
	case KindCompress, KindConvert:
		return m.normalizeLocal(req)
	case "":
		return req, invalid("kind", "is required")
	default:
		return req, invalid("kind", "unsupported job kind %q", req.Kind)
	}
}

// applyPreferences fills empty fields from the saved defaults. The result is
// validated like any other request.
func (m *Manager) applyPreferences(req Request) Request {
	if m.preferences == nil {
		return req
	}
	d, err := m.preferences.Defaults()
	if err != nil {
		log.Printf("Warning: could not load saved defaults, using built-in ones: %v", err)
		return req
	}
	fill := func(v *string, def string) {
		if *v == "" {
			*v = strings.ToLower(strings.TrimSpace(def))
		}
	}
	if req.OutputDir == "" {
		req.OutputDir = d.OutputDir
	}
	video := req.MediaType == "" || req.MediaType == media.Video
	switch req.Kind {
	case KindDownload:
		if req.MediaType == media.Audio {
			fill(&req.Format, d.AudioFormat)
			fill(&req.AudioQuality, d.AudioQuality)
		} else if video {
			fill(&req.Format, d.VideoFormat)
			fill(&req.Quality, d.VideoQuality)
		}
	case KindCompress:
		if video {
			fill(&req.Format, d.CompressFormat)
		}
		fill(&req.Quality, d.CompressPreset)
	case KindConvert:
		fill(&req.Quality, d.ConvertQuality)
	}
	return req
}

func normalizeDownload(req Request) (Request, error) {
	if req.Input == "" {
		return req, invalid("input", "a URL is required for downloads")
	}
	u, err := normalizeURL(req.Input)
	if err != nil {
		return req, err
	}
	req.Input = u

	if req.MediaType == "" {
		req.MediaType = media.Video
	}
	if req.MediaType != media.Video && req.MediaType != media.Audio {
		return req, invalid("mediaType", "downloads are video or audio, got %q", req.MediaType)
	}
	if req.Format == "" {
		req.Format = media.DefaultFormat(media.OpDownload, req.MediaType)
	}
	if !media.SupportsOutput(media.OpDownload, req.MediaType, req.Format) {
		return req, invalid("format", "unsupported %s format %q, expected one of %s",
			req.MediaType, req.Format, strings.Join(media.OutputFormats(media.OpDownload, req.MediaType), ", "))
	}

	if req.MediaType == media.Audio {
		if req.AudioQuality == "" {
			req.AudioQuality = media.AudioBitrates[0]
		}
		if !containsString(media.AudioBitrates, req.AudioQuality) {
			return req, invalid("audioQuality", "unsupported audio quality %q", req.AudioQuality)
		}
		return req, nil
	}

	if req.Quality == "" {
		req.Quality = "best"
	}
	if req.Quality != "best" {
		height, err := strconv.Atoi(strings.TrimSuffix(req.Quality, "p"))
		if err != nil || height <= 0 {
			return req, invalid("quality", "expected \"best\" or a height such as 1080, got %q", req.Quality)
		}
		req.Quality = strconv.Itoa(height)
	}
	return req, nil
}

func (m *Manager) normalizeLocal(req Request) (Request, error) {
	op := media.Operation(req.Kind)
	if req.Input == "" {
		return req, invalid("input", "an input file is required")
	}
	req.Input = filepath.Clean(req.Input)

	info, err := os.Stat(req.Input)
	if err != nil {
		return req, invalid("input", "cannot read %s", req.Input)
	}
	if !info.Mode().IsRegular() {
		return req, invalid("input", "%s is not a regular file", req.Input)
	}
	if m.cfg.MaxInputSize > 0 && info.Size() > m.cfg.MaxInputSize {
		return req, invalid("input", "file size %d exceeds limit of %d bytes", info.Size(), m.cfg.MaxInputSize)
	}

	if req.Kind == KindCompress && req.MediaType == "" {
		req.MediaType = media.Video
	}
	if req.MediaType == "" {
		return req, invalid("mediaType", "is required for conversions")
	}
	if err := media.CheckExtension(req.Input, op, req.MediaType); err != nil {
		return req, invalid("input", "%v", err)
	}

	if req.Format == "" && req.Kind == KindCompress {
		req.Format = media.DefaultFormat(op, req.MediaType)
	}
	if req.Format == "" {
		return req, invalid("format", "an output format is required")
	}
	if !media.SupportsOutput(op, req.MediaType, req.Format) {
		return req, invalid("format", "unsupported %s output %q, expected one of %s",
			req.MediaType, req.Format, strings.Join(media.OutputFormats(op, req.MediaType), ", "))
	}

	if req.Quality == "" {
		req.Quality = string(media.TierHigh)
		if req.Kind == KindConvert {
			req.Quality = string(media.TierBalanced)
		}
	}
	if _, ok := media.ParseTier(req.Quality); !ok {
		return req, invalid("quality", "expected high, balanced or light, got %q", req.Quality)
	}
	return req, nil
}

// normalizeURL adds https to scheme-less input and checks the result is a
// usable web URL.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("url", "is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalid("url", "cannot parse %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalid("url", "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", invalid("url", "missing host in %q", raw)
	}
	return u.String(), nil
}

func metadataFor(req Request) Metadata {
	md := Metadata{
		Title:     req.Title,
		Thumbnail: req.Thumbnail,
		MediaType: req.MediaType,
		Format:    req.Format,
		Quality:   req.Quality,
	}
	if req.Kind == KindDownload {
		md.Platform = media.DetectPlatform(req.Input)
		if req.MediaType == media.Audio {
			md.Quality = req.AudioQuality
		}
	} else {
		md.Platform = "local"
		if md.Title == "" {
			md.Title = strings.TrimSuffix(filepath.Base(req.Input), filepath.Ext(req.Input))
		}
	}
	return md
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
