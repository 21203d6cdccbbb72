package task

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/stage"
)

// Progress anchors of each pipeline stage.
const (
	progressValidating   = 0.05
	progressDownloadLo   = 0.10
	progressDownloadHi   = 0.30
	progressConverting   = 0.30
	progressTranscribeLo = 0.40
	progressTranscribeHi = 0.80
	progressTranslateHi  = 0.90
	progressExporting    = 0.90
)

// checkpoint observes the stop signal, then the pause gate, then records progress.
func (s *Scheduler) checkpoint(ctx context.Context, rec *Record, status Status, progress float64) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if err := s.pausePoint(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	if rec.cancel == nil {
		// late callback after the task already finished
		s.mu.Unlock()
		return nil
	}
	rec.Status = status
	rec.Progress = progress
	ev := taskEvent(rec)
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// pausePoint blocks while the batch is paused, reporting the task as paused.
func (s *Scheduler) pausePoint(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	gate := s.gate
	select {
	case <-gate:
		s.mu.Unlock()
		return nil
	default:
	}
	prev := rec.Status
	rec.Status = StatusPaused
	ev := taskEvent(rec)
	s.mu.Unlock()
	s.emit(ev)

	select {
	case <-gate:
	case <-ctx.Done():
	}

	s.mu.Lock()
	if rec.Status == StatusPaused {
		rec.Status = prev
	}
	s.mu.Unlock()
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// scaled maps collaborator progress in 0..1 onto [lo, hi] of the task.
func (s *Scheduler) scaled(ctx context.Context, rec *Record, status Status, lo, hi float64) stage.ProgressFunc {
	return func(p float64) {
		if p < 0 {
			p = 0
		} else if p > 1 {
			p = 1
		}
		_ = s.checkpoint(ctx, rec, status, lo+(hi-lo)*p)
	}
}

func wantsTranslation(lang string) bool {
	return lang != "" && !strings.EqualFold(lang, config.NoTranslation)
}

// runPipeline executes the stages of one task in order. A returned error is
// fatal for the task; advisory translation errors are only recorded.
func (s *Scheduler) runPipeline(ctx context.Context, rec *Record) error {
	if err := s.checkpoint(ctx, rec, StatusValidating, progressValidating); err != nil {
		return err
	}
	if err := os.MkdirAll(rec.OutputDir, 0o755); err != nil {
		return &ValidationError{Field: "output_dir", Reason: err.Error()}
	}
	if s.deps.Downloader == nil || s.deps.Transcription == nil || s.deps.Exporter == nil {
		return &ValidationError{Field: "pipeline", Reason: "downloader, transcriber and exporter are required"}
	}
	sourceID := cache.SourceID(rec.URL)

	if err := s.checkpoint(ctx, rec, StatusDownloading, progressDownloadLo); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp(s.opts.WorkDir, "mediabatch_"+rec.ID+"_")
	if err != nil {
		return &stage.StageError{Stage: string(StatusDownloading), Message: "could not create work directory", Err: err}
	}
	defer os.RemoveAll(workDir)

	audioPath, info, err := s.fetchAudio(ctx, rec, sourceID, workDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec.Title = info.Title
	rec.Duration = info.Duration
	s.mu.Unlock()

	if err := s.checkpoint(ctx, rec, StatusConverting, progressConverting); err != nil {
		return err
	}

	if err := s.checkpoint(ctx, rec, StatusTranscribing, progressTranscribeLo); err != nil {
		return err
	}
	req := stage.TranscribeRequest{AudioPath: audioPath, Model: rec.Model}
	transcript, hit, err := s.deps.Transcription.Run(ctx, sourceID, req,
		s.scaled(ctx, rec, StatusTranscribing, progressTranscribeLo, progressTranscribeHi))
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return err
	}
	if hit {
		log.Printf("[scheduler] task %s: transcription served from cache", rec.ID)
	}
	if info.Duration <= 0 && len(transcript.Segments) > 0 {
		s.mu.Lock()
		rec.Duration = transcript.Segments[len(transcript.Segments)-1].End
		s.mu.Unlock()
	}

	result := transcript
	if wantsTranslation(rec.TargetLang) && s.deps.Translation != nil {
		if err := s.checkpoint(ctx, rec, StatusTranslating, progressTranscribeHi); err != nil {
			return err
		}
		translated, err := s.deps.Translation.Run(ctx, sourceID, transcript, rec.TargetLang,
			s.scaled(ctx, rec, StatusTranslating, progressTranscribeHi, progressTranslateHi))
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if err != nil {
			log.Printf("[scheduler] task %s: translation warning: %v", rec.ID, err)
			s.mu.Lock()
			rec.Warning = err.Error()
			s.mu.Unlock()
		}
		if translated != nil {
			result = translated
		}
	}

	if err := s.checkpoint(ctx, rec, StatusExporting, progressExporting); err != nil {
		return err
	}
	baseName := info.Title
	if strings.TrimSpace(baseName) == "" {
		baseName = sourceID
	}
	var outputs []string
	for i, format := range rec.Formats {
		path, err := s.deps.Exporter.Export(result, rec.OutputDir, format, baseName, info)
		if err != nil {
			log.Printf("[scheduler] task %s: export %s failed: %v", rec.ID, format, err)
		} else if path != "" {
			outputs = append(outputs, path)
		}
		step := progressExporting + (1-progressExporting)*float64(i+1)/float64(len(rec.Formats)+1)
		if err := s.checkpoint(ctx, rec, StatusExporting, step); err != nil {
			return err
		}
	}

	s.mu.Lock()
	rec.OutputFiles = outputs
	s.mu.Unlock()
	return nil
}

// fetchAudio returns the audio for a task inside workDir, taken from the
// cache when possible. The task never reads the cache's own copy.
func (s *Scheduler) fetchAudio(ctx context.Context, rec *Record, sourceID, workDir string) (string, stage.VideoInfo, error) {
	if c := s.deps.Cache; c != nil {
		if path, meta, ok := c.CopyAudio(sourceID, workDir); ok {
			info := stage.VideoInfo{
				ID:       sourceID,
				URL:      rec.URL,
				Title:    metaString(meta, "title"),
				Duration: metaFloat(meta, "duration"),
			}
			_ = s.checkpoint(ctx, rec, StatusDownloading, progressDownloadHi)
			return path, info, nil
		}
	}

	path, info, err := s.deps.Downloader.Download(ctx, rec.URL, workDir,
		s.scaled(ctx, rec, StatusDownloading, progressDownloadLo, progressDownloadHi))
	if err != nil {
		if ctx.Err() != nil {
			return "", info, ErrCancelled
		}
		return "", info, &stage.StageError{Stage: string(StatusDownloading), Message: "download failed", Err: err}
	}
	if info.ID == "" {
		info.ID = sourceID
	}

	if c := s.deps.Cache; c != nil {
		meta := map[string]interface{}{"title": info.Title, "duration": info.Duration, "url": rec.URL}
		c.PutAudio(sourceID, path, meta)
	}
	return path, info, nil
}

func metaString(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaFloat(meta map[string]interface{}, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}
