package task

import (
	"time"

	"mediajobs/media"
)

type Kind string

const (
	KindDownload Kind = "download"
	KindCompress Kind = "compress"
	KindConvert  Kind = "convert"
)

// Request is what a caller submits. Quality means the format selector
// ("best", "1080", ...) for downloads and the tier for compress/convert.
type Request struct {
	Kind         Kind            `json:"kind" binding:"required"`
	Input        string          `json:"input"`
	MediaType    media.MediaType `json:"mediaType"`
	Format       string          `json:"format"`
	Quality      string          `json:"quality"`
	AudioQuality string          `json:"audioQuality,omitempty"`
	OutputDir    string          `json:"outputDir,omitempty"`
	UseGPU       bool            `json:"useGpu,omitempty"`
	Title        string          `json:"title,omitempty"`
	Thumbnail    string          `json:"thumbnail,omitempty"`
}

// Metadata is display-only and fixed at creation.
type Metadata struct {
	Title     string          `json:"title,omitempty"`
	Thumbnail string          `json:"thumbnail,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	MediaType media.MediaType `json:"mediaType"`
	Format    string          `json:"format,omitempty"`
	Quality   string          `json:"quality,omitempty"`
}

type Job struct {
	ID         string
	Kind       Kind
	Status     Status
	Progress   float64
	Rate       string
	ETA        string
	InputRef   string
	OutputPath string
	Error      string
	Metadata   Metadata
	// Request is the normalised submission the worker acts on.
	Request    Request
	Seq        uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot is the immutable, sequenced view of a job handed to observers.
type Snapshot struct {
	JobID      string    `json:"jobId"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Progress   float64   `json:"progress"`
	Rate       string    `json:"rate"`
	ETA        string    `json:"eta"`
	InputRef   string    `json:"inputRef"`
	OutputPath string    `json:"outputPath,omitempty"`
	Error      string    `json:"error,omitempty"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (j Job) Snapshot() Snapshot {
	return Snapshot{
		JobID:      j.ID,
		Seq:        j.Seq,
		Kind:       j.Kind,
		Status:     j.Status,
		Progress:   j.Progress,
		Rate:       j.Rate,
		ETA:        j.ETA,
		InputRef:   j.InputRef,
		OutputPath: j.OutputPath,
		Error:      j.Error,
		Metadata:   j.Metadata,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}
