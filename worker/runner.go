// Package worker runs yt-dlp, ffmpeg and ffprobe on behalf of the job core.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediajobs/config"
	"mediajobs/media"
	"mediajobs/task"
)

// Runner implements task.Worker with external processes.
type Runner struct {
	cfg        *config.Config
	extraArgs  []string
	thresholds Thresholds

	mu       sync.Mutex
	encoders *EncoderReport
}

var _ task.Worker = (*Runner)(nil)

func NewRunner(cfg *config.Config) (*Runner, error) {
	extra, err := ParseExtraArgs(cfg.YTDLPExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("YTDLP_EXTRA_ARGS: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	for _, bin := range []string{cfg.YTDLPBin, cfg.FFmpegBin, cfg.FFprobeBin} {
		if _, err := exec.LookPath(bin); err != nil {
			log.Printf("Warning: %s not found in PATH, jobs will be refused until it is installed", bin)
		}
	}
	log.Printf("Using output directory: %s", cfg.OutputDir)

	return &Runner{
		cfg:       cfg,
		extraArgs: extra,
		thresholds: Thresholds{
			IdleCPU:  cfg.ThrottleCPU,
			FreeMem:  cfg.ThrottleFreeMem,
			FreeDisk: cfg.ThrottleFreeDisk,
		},
	}, nil
}

// Health reports whether every tool can be found.
func (r *Runner) Health(ctx context.Context) error {
	var missing []string
	for _, bin := range []string{r.cfg.YTDLPBin, r.cfg.FFmpegBin, r.cfg.FFprobeBin} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Prepare checks resources and settles the output path. Downloads resolve
// the title first so the file gets a readable name.
func (r *Runner) Prepare(ctx context.Context, job task.Job) (task.Plan, error) {
	dir := job.Request.OutputDir
	if dir == "" {
		dir = r.cfg.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return task.Plan{}, fmt.Errorf("could not create output directory: %w", err)
	}
	if err := checkResources(r.thresholds, dir); err != nil {
		return task.Plan{}, fmt.Errorf("insufficient system resources: %w", err)
	}

	switch job.Kind {
	case task.KindDownload:
		return r.prepareDownload(ctx, job, dir), nil
	case task.KindCompress:
		return r.prepareLocal(ctx, job, dir, "-compressed"), nil
	case task.KindConvert:
		return r.prepareLocal(ctx, job, dir, "-converted"), nil
	default:
		return task.Plan{}, fmt.Errorf("unsupported job kind %q", job.Kind)
	}
}

func (r *Runner) prepareDownload(ctx context.Context, job task.Job, dir string) task.Plan {
	title := SanitizeFilename(job.Request.Title)
	var plan task.Plan

	infoCtx := ctx
	if r.cfg.InfoTimeout > 0 {
		var cancel context.CancelFunc
		infoCtx, cancel = context.WithTimeout(ctx, r.cfg.InfoTimeout)
		defer cancel()
	}
	info, err := r.FetchInfo(infoCtx, job.InputRef)
	if err != nil {
		log.Printf("Job %s: metadata pre-fetch failed: %v", job.ID, err)
	} else {
		if t := SanitizeFilename(info.Title); t != "" {
			title = t
		}
		plan.Duration = secondsDuration(info.Duration)
	}
	if title == "" {
		title = "download_" + job.ID
	}
	plan.Title = title
	plan.OutputPath = filepath.Join(dir, title+"."+job.Request.Format)
	return plan
}

func (r *Runner) prepareLocal(ctx context.Context, job task.Job, dir, suffix string) task.Plan {
	plan := task.Plan{
		OutputPath: uniquePath(dir, baseName(job.InputRef), suffix, job.Request.Format),
		Title:      job.Metadata.Title,
	}
	if job.Request.MediaType == media.Image {
		return plan
	}
	info, err := r.LocalInfo(ctx, job.InputRef)
	if err != nil {
		log.Printf("Job %s: could not probe duration, progress will be indeterminate: %v", job.ID, err)
		return plan
	}
	plan.Duration = info.DurationValue()
	return plan
}

// Execute runs the tool for job and returns the produced file.
func (r *Runner) Execute(ctx context.Context, job task.Job, plan task.Plan, onLine func(string)) (string, error) {
	switch job.Kind {
	case task.KindDownload:
		return r.download(ctx, job, plan, onLine)
	case task.KindCompress:
		gpu := ""
		if job.Request.UseGPU {
			gpu = r.Encoders(ctx).Best
		}
		tier, _ := media.ParseTier(job.Request.Quality)
		args := compressArgs(job.InputRef, plan.OutputPath, job.Request.Format, tier, gpu)
		return r.transcode(ctx, job, plan, args, onLine)
	case task.KindConvert:
		tier, _ := media.ParseTier(job.Request.Quality)
		args := convertArgs(job.InputRef, plan.OutputPath, job.Request.MediaType, job.Request.Format, tier)
		return r.transcode(ctx, job, plan, args, onLine)
	default:
		return "", fmt.Errorf("unsupported job kind %q", job.Kind)
	}
}

func (r *Runner) download(ctx context.Context, job task.Job, plan task.Plan, onLine func(string)) (string, error) {
	template := outputTemplate(filepath.Dir(plan.OutputPath), plan.Title)
	args := downloadArgs(job.Request, template, r.ffmpegDir(), r.extraArgs)
	cmd := command(ctx, r.cfg.CancelGrace, r.cfg.YTDLPBin, args...)
	if err := stream(cmd, "yt-dlp", onLine); err != nil {
		return "", err
	}
	if exists(plan.OutputPath) {
		return plan.OutputPath, nil
	}
	// The extension was chosen by yt-dlp; the job falls back to the last
	// destination it reported.
	return "", nil
}

func (r *Runner) transcode(ctx context.Context, job task.Job, plan task.Plan, args []string, onLine func(string)) (string, error) {
	cmd := command(ctx, r.cfg.CancelGrace, r.cfg.FFmpegBin, args...)
	if err := stream(cmd, "ffmpeg", onLine); err != nil {
		// Remove the partial output file.
		if rmErr := os.Remove(plan.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("Job %s: could not remove partial output %s: %v", job.ID, plan.OutputPath, rmErr)
		}
		return "", err
	}
	return plan.OutputPath, nil
}

// ffmpegDir is passed to yt-dlp when ffmpeg is configured by path.
func (r *Runner) ffmpegDir() string {
	if strings.ContainsRune(r.cfg.FFmpegBin, filepath.Separator) {
		return filepath.Dir(r.cfg.FFmpegBin)
	}
	return ""
}

// FetchInfo runs yt-dlp -J for url.
func (r *Runner) FetchInfo(ctx context.Context, url string) (task.Info, error) {
	out, err := r.output(ctx, "yt-dlp", r.cfg.YTDLPBin, infoArgs(url, r.extraArgs)...)
	if err != nil {
		return task.Info{}, err
	}
	info, err := parseInfo(out)
	if err != nil {
		return task.Info{}, err
	}
	info.Platform = media.DetectPlatform(url)
	return info, nil
}

// LocalInfo probes a local file with ffprobe.
func (r *Runner) LocalInfo(ctx context.Context, path string) (LocalInfo, error) {
	out, err := r.output(ctx, "ffprobe", r.cfg.FFprobeBin, probeArgs(path)...)
	if err != nil {
		return LocalInfo{}, err
	}
	return parseProbe(path, out)
}

// Encoders reports the hardware encoders ffmpeg offers. The first successful
// detection is cached.
func (r *Runner) Encoders(ctx context.Context) EncoderReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoders != nil {
		return *r.encoders
	}
	out, err := r.output(ctx, "ffmpeg", r.cfg.FFmpegBin, "-hide_banner", "-encoders")
	if err != nil {
		log.Printf("Warning: could not list ffmpeg encoders: %v", err)
		return EncoderReport{All: []string{}}
	}
	report := parseEncoders(string(out))
	r.encoders = &report
	log.Printf("Hardware encoders: %v", report.All)
	return report
}

// output runs a short-lived command and returns its stdout.
func (r *Runner) output(ctx context.Context, tool, bin string, args ...string) ([]byte, error) {
	cmd := command(ctx, r.cfg.CancelGrace, bin, args...)
	var stdout bytes.Buffer
	recent := &tail{}
	cmd.Stdout = &stdout
	cmd.Stderr = lineWriter(recent.add)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Tool: tool, Err: err, Tail: recent.get()}
		}
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	return stdout.Bytes(), nil
}

func secondsDuration(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
