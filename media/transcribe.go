package media

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mediabatch/stage"
)

var percentProgress = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)

// ProcessTranscriber runs a speech-to-text engine as a separate, killable
// process. The engine prints a JSON transcript on stdout and may report
// "NN%" progress on stderr.
type ProcessTranscriber struct {
	runner commandRunner
	args   []string
}

// NewProcessTranscriber validates a template that must use ${INPUT}.
func NewProcessTranscriber(runner commandRunner, template string) (*ProcessTranscriber, error) {
	args, err := ParseTemplate(template, PlaceholderInput)
	if err != nil {
		return nil, fmt.Errorf("transcribe command: %w", err)
	}
	return &ProcessTranscriber{runner: runner, args: args}, nil
}

func (t *ProcessTranscriber) Transcribe(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
	args := Expand(t.args, map[string]string{
		PlaceholderInput: req.AudioPath,
		PlaceholderModel: req.Model,
	})
	res, err := t.runner.Run(ctx, args, func(line string) {
		if strings.HasPrefix(strings.TrimSpace(line), "{") || progress == nil {
			return
		}
		if m := percentProgress.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil && pct <= 100 {
				progress(pct / 100)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil, nil
	}
	if i := strings.Index(out, "{"); i > 0 {
		out = out[i:]
	}
	var transcript stage.Transcript
	if err := json.Unmarshal([]byte(out), &transcript); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", res.Command, err)
	}
	if len(transcript.Segments) == 0 && strings.TrimSpace(transcript.Text) == "" {
		return nil, nil
	}
	if req.Language != "" && transcript.Language == "" {
		transcript.Language = req.Language
	}
	return &transcript, nil
}
