package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediabatch/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *stage.Transcript {
	return &stage.Transcript{
		Language: "en",
		Text:     "Hello there. General Kenobi.",
		Segments: []stage.Segment{
			{Start: 0, End: 1.5, Text: " Hello there."},
			{Start: 3661.25, End: 3662.999, Text: "General, \"Kenobi\"."},
		},
	}
}

func TestSRT(t *testing.T) {
	out := SRT(sample().Segments)
	assert.True(t, strings.HasPrefix(out, "1\n00:00:00,000 --> 00:00:01,500\nHello there.\n\n"))
	assert.Contains(t, out, "2\n01:01:01,250 --> 01:01:02,999\n")
}

func TestVTT(t *testing.T) {
	out := VTT(sample().Segments)
	assert.True(t, strings.HasPrefix(out, "WEBVTT\n\n1\n00:00:00.000 --> 00:00:01.500\n"))
}

func TestExport_AllFormats(t *testing.T) {
	dir := t.TempDir()
	w := New()
	info := stage.VideoInfo{Title: "Talk", URL: "https://example.com/talk", Duration: 3663}

	for _, format := range []string{"srt", "vtt", "txt", "json", "csv"} {
		t.Run(format, func(t *testing.T) {
			path, err := w.Export(sample(), dir, format, "Talk: part 1/2", info)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "Talk_ part 1_2."+format), path)
			_, err = os.Stat(path)
			assert.NoError(t, err)
		})
	}

	data, err := os.ReadFile(filepath.Join(dir, "Talk_ part 1_2.json"))
	require.NoError(t, err)
	var doc jsonDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Talk", doc.Title)
	assert.Len(t, doc.Segments, 2)

	f, err := os.Open(filepath.Join(dir, "Talk_ part 1_2.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"2", "3661.250", "3662.999", `General, "Kenobi".`}, rows[2])

	txt, err := os.ReadFile(filepath.Join(dir, "Talk_ part 1_2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello there. General, \"Kenobi\".\n", string(txt))
}

func TestExport_Errors(t *testing.T) {
	_, err := New().Export(sample(), t.TempDir(), "docx", "x", stage.VideoInfo{})
	assert.Error(t, err)

	_, err = New().Export(nil, t.TempDir(), "srt", "x", stage.VideoInfo{})
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"simple", "simple"},
		{`a<b>c:"d"`, "a_b_c_d"},
		{"../../etc/passwd", "etc_passwd"},
		{"   ", "transcript"},
		{"...", "transcript"},
		{strings.Repeat("x", 300), strings.Repeat("x", maxBaseName)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), tt.in)
	}
}
