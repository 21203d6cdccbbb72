package stage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mediabatch/cache"
)

const maxReportedFailures = 3

// TranslationStage translates a transcript segment by segment. Failures are
// advisory: a failed segment keeps its original text and the caller gets an
// error describing what was left untranslated.
type TranslationStage struct {
	engine  Translator
	cache   *cache.Cache
	timeout time.Duration
}

// NewTranslationStage wraps engine. c may be nil to disable caching.
func NewTranslationStage(engine Translator, c *cache.Cache, timeout time.Duration) *TranslationStage {
	return &TranslationStage{engine: engine, cache: c, timeout: timeout}
}

// Run always returns a transcript with the same number of segments as src.
func (s *TranslationStage) Run(ctx context.Context, sourceID string, src *Transcript, targetLang string, progress ProgressFunc) (*Transcript, error) {
	sourceLang := src.Language
	if sourceLang == "" {
		sourceLang = "auto"
	}

	if s.cache != nil && sourceID != "" {
		var cached Transcript
		if s.cache.GetTranslation(sourceID, sourceLang, targetLang, &cached) && len(cached.Segments) == len(src.Segments) {
			emit(progress, 1)
			return &cached, nil
		}
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	segments := src.Segments
	if len(segments) == 0 && strings.TrimSpace(src.Text) != "" {
		segments = []Segment{{Text: src.Text}}
	}

	out := &Transcript{Language: targetLang, Segments: make([]Segment, len(segments))}
	var failures []string
	failed := 0
	for i, seg := range segments {
		out.Segments[i] = seg
		if err := runCtx.Err(); err != nil {
			failed++
			failures = appendFailure(failures, i, err)
			continue
		}
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}

		text, err := s.translateSegment(runCtx, seg.Text, sourceLang, targetLang)
		if err != nil {
			failed++
			failures = appendFailure(failures, i, err)
		} else {
			out.Segments[i].Text = text
		}
		emit(progress, float64(i+1)/float64(len(segments)))
	}
	out.Text = out.JoinedText()

	if failed > 0 {
		advisory := fmt.Errorf("translated %d of %d segments to %s; %s",
			len(segments)-failed, len(segments), targetLang, strings.Join(failures, "; "))
		return out, advisory
	}

	if s.cache != nil && sourceID != "" {
		meta := map[string]interface{}{"source_lang": sourceLang, "target_lang": targetLang}
		if err := s.cache.PutTranslation(sourceID, sourceLang, targetLang, out, meta); err != nil {
			log.Printf("[stage] translation for %s not cached: %v", sourceID, err)
		}
	}
	emit(progress, 1)
	return out, nil
}

func (s *TranslationStage) translateSegment(ctx context.Context, text, sourceLang, targetLang string) (translated string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("translator panic: %v", r)
		}
	}()
	return s.engine.TranslateText(ctx, text, sourceLang, targetLang)
}

func appendFailure(failures []string, index int, err error) []string {
	if len(failures) < maxReportedFailures {
		return append(failures, fmt.Sprintf("segment %d: %v", index, err))
	}
	if len(failures) == maxReportedFailures {
		return append(failures, "...")
	}
	return failures
}
