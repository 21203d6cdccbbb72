// Package stage defines the collaborator contracts the batch scheduler drives
// and the thin adapters that put timeouts and caching around them.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoResult is returned when a transcriber finishes without producing a transcript.
var ErrNoResult = errors.New("transcriber returned no result")

// ProgressFunc receives collaborator progress in the range 0..1.
type ProgressFunc func(float64)

// VideoInfo is the metadata a downloader reports for a source.
type VideoInfo struct {
	ID       string  `json:"id,omitempty"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Uploader string  `json:"uploader,omitempty"`
	URL      string  `json:"url,omitempty"`
}

// Segment is one timed piece of transcript text, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the structured output of transcription and translation.
type Transcript struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
}

// JoinedText rebuilds the full text from the segments.
func (t *Transcript) JoinedText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// TranscribeRequest names the audio and the model to use.
type TranscribeRequest struct {
	AudioPath string
	Model     string
	Language  string
}

// Downloader fetches the audio for a URL into outputDir.
type Downloader interface {
	Download(ctx context.Context, url, outputDir string, progress ProgressFunc) (string, VideoInfo, error)
}

// Transcriber turns audio into a transcript. Implementations must stop when
// ctx is done.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest, progress ProgressFunc) (*Transcript, error)
}

// Translator translates a single piece of text.
type Translator interface {
	TranslateText(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Exporter writes a transcript in one output format and returns the file path.
type Exporter interface {
	Export(result *Transcript, outputDir, format, baseName string, info VideoInfo) (string, error)
}

// StageError is a fatal, stage-aware failure of one task.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error formats stage failures for logs and task records.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func emit(cb ProgressFunc, v float64) {
	if cb != nil {
		cb(v)
	}
}
