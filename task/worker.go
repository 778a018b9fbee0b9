package task

import (
	"context"
	"time"
)

// Plan is what a worker settles on before it starts moving bytes.
type Plan struct {
	OutputPath string
	// Duration of the input media, zero when unknown.
	Duration time.Duration
	Title    string
}

type Format struct {
	FormatID   string `json:"formatId"`
	Resolution string `json:"resolution"`
	Height     int    `json:"height"`
	Ext        string `json:"ext"`
	Type       string `json:"type"`
	HasAudio   bool   `json:"hasAudio"`
	FileSize   int64  `json:"filesize,omitempty"`
}

// Info is the metadata of a remote media URL.
type Info struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	Duration  int64    `json:"duration,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	ViewCount int64    `json:"viewCount,omitempty"`
	Platform  string   `json:"platform"`
	Formats   []Format `json:"formats"`
}

// Worker drives the external tools. Execute reports every raw output line
// through onLine, possibly from several goroutines, and returns the produced
// file once the process has exited.
type Worker interface {
	Prepare(ctx context.Context, job Job) (Plan, error)
	Execute(ctx context.Context, job Job, plan Plan, onLine func(string)) (string, error)
	FetchInfo(ctx context.Context, url string) (Info, error)
	Health(ctx context.Context) error
}
