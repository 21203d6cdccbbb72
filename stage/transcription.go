package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mediabatch/cache"
)

// TranscriptionStage runs a Transcriber with an optional timeout and a
// transcription cache keyed by source and model.
type TranscriptionStage struct {
	engine  Transcriber
	cache   *cache.Cache
	timeout time.Duration
}

// NewTranscriptionStage wraps engine. c may be nil to disable caching.
func NewTranscriptionStage(engine Transcriber, c *cache.Cache, timeout time.Duration) *TranscriptionStage {
	return &TranscriptionStage{engine: engine, cache: c, timeout: timeout}
}

// Run returns the transcript for sourceID, from cache when possible. The
// boolean reports a cache hit. Any returned error is fatal for the task.
func (s *TranscriptionStage) Run(ctx context.Context, sourceID string, req TranscribeRequest, progress ProgressFunc) (*Transcript, bool, error) {
	if s.cache != nil && sourceID != "" {
		var cached Transcript
		if s.cache.GetTranscription(sourceID, req.Model, &cached) {
			emit(progress, 1)
			return &cached, true, nil
		}
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.engine.Transcribe(runCtx, req, progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, false, &StageError{
				Stage:   "transcribing",
				Message: fmt.Sprintf("timed out after %s", s.timeout),
				Err:     err,
			}
		}
		return nil, false, &StageError{Stage: "transcribing", Message: "transcription failed", Err: err}
	}
	if result == nil {
		return nil, false, &StageError{Stage: "transcribing", Message: "no transcript produced", Err: ErrNoResult}
	}
	if strings.TrimSpace(result.Text) == "" {
		result.Text = result.JoinedText()
	}

	if s.cache != nil && sourceID != "" {
		meta := map[string]interface{}{"language": result.Language, "segments": len(result.Segments)}
		if err := s.cache.PutTranscription(sourceID, req.Model, result, meta); err != nil {
			log.Printf("[stage] transcription for %s not cached: %v", sourceID, err)
		}
	}
	emit(progress, 1)
	return result, false, nil
}
