// Package export writes transcripts to subtitle and data files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediabatch/stage"
)

// maxBaseName bounds the sanitized file name, extension excluded.
const maxBaseName = 120

// Writer implements stage.Exporter for srt, vtt, txt, json and csv.
type Writer struct{}

func New() *Writer {
	return &Writer{}
}

type jsonDocument struct {
	Title     string          `json:"title"`
	Source    string          `json:"source,omitempty"`
	Uploader  string          `json:"uploader,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Language  string          `json:"language,omitempty"`
	Text      string          `json:"text"`
	Segments  []stage.Segment `json:"segments"`
	CreatedAt time.Time       `json:"created_at"`
}

// Export renders result in format and writes it to outputDir/baseName.format.
func (w *Writer) Export(result *stage.Transcript, outputDir, format, baseName string, info stage.VideoInfo) (string, error) {
	if result == nil {
		return "", fmt.Errorf("nothing to export")
	}
	format = strings.ToLower(strings.TrimSpace(format))

	var (
		data []byte
		err  error
	)
	switch format {
	case "srt":
		data = []byte(SRT(result.Segments))
	case "vtt":
		data = []byte(VTT(result.Segments))
	case "txt":
		data = []byte(plainText(result) + "\n")
	case "json":
		data, err = json.MarshalIndent(jsonDocument{
			Title:     info.Title,
			Source:    info.URL,
			Uploader:  info.Uploader,
			Duration:  info.Duration,
			Language:  result.Language,
			Text:      plainText(result),
			Segments:  result.Segments,
			CreatedAt: time.Now().UTC(),
		}, "", "  ")
	case "csv":
		data, err = csvBytes(result.Segments)
	default:
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("render %s: %w", format, err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, SanitizeName(baseName)+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// SRT renders numbered SubRip cues.
func SRT(segments []stage.Segment) string {
	var sb strings.Builder
	for i, seg := range segments {
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(fmt.Sprintf("%s --> %s\n", timestamp(seg.Start, ','), timestamp(seg.End, ',')))
		sb.WriteString(strings.TrimSpace(seg.Text))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// VTT renders a WebVTT document.
func VTT(segments []stage.Segment) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	for i, seg := range segments {
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(fmt.Sprintf("%s --> %s\n", timestamp(seg.Start, '.'), timestamp(seg.End, '.')))
		sb.WriteString(strings.TrimSpace(seg.Text))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func plainText(t *stage.Transcript) string {
	if s := strings.TrimSpace(t.Text); s != "" && len(t.Segments) == 0 {
		return s
	}
	if joined := t.JoinedText(); joined != "" {
		return joined
	}
	return strings.TrimSpace(t.Text)
}

func csvBytes(segments []stage.Segment) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{"index", "start", "end", "text"}); err != nil {
		return nil, err
	}
	for i, seg := range segments {
		row := []string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(seg.Start, 'f', 3, 64),
			strconv.FormatFloat(seg.End, 'f', 3, 64),
			strings.TrimSpace(seg.Text),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return []byte(sb.String()), w.Error()
}

func timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	h := totalMs / 3600000
	totalMs %= 3600000
	m := totalMs / 60000
	totalMs %= 60000
	s := totalMs / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// SanitizeName turns a media title into a portable file name.
func SanitizeName(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < 32 || strings.ContainsRune(`<>:"/\|?*`, r):
			if !lastUnderscore {
				sb.WriteRune('_')
			}
			lastUnderscore = true
		default:
			sb.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	out := strings.Trim(sb.String(), " ._")
	if runes := []rune(out); len(runes) > maxBaseName {
		out = strings.TrimRight(string(runes[:maxBaseName]), " ._")
	}
	if out == "" {
		return "transcript"
	}
	return out
}
