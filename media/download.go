package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"mediabatch/stage"
)

var directExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".ogg": true, ".opus": true,
	".aac": true, ".mp4": true, ".mkv": true, ".webm": true, ".mov": true,
}

var downloadProgress = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, args []string, onLine func(string)) (Result, error)
}

// HTTPDownloader fetches direct media links and copies local files.
type HTTPDownloader struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPDownloader limits inputs to maxSize bytes; zero means no limit.
func NewHTTPDownloader(client *http.Client, maxSize int64) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client, maxSize: maxSize}
}

func (d *HTTPDownloader) Download(ctx context.Context, rawURL, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
	name := mediaName(rawURL)
	info := stage.VideoInfo{Title: strings.TrimSuffix(name, filepath.Ext(name)), URL: rawURL}

	dst := filepath.Join(outputDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", info, err
	}
	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(dst)
		}
	}()

	var (
		src   io.Reader
		total int64
	)
	switch {
	case strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", info, err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return "", info, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", info, fmt.Errorf("failed to download file, status: %s", resp.Status)
		}
		src, total = resp.Body, resp.ContentLength

	case strings.HasPrefix(rawURL, "data:"):
		return "", info, fmt.Errorf("data URI inputs are not supported")

	default:
		f, err := os.Open(strings.TrimPrefix(rawURL, "file://"))
		if err != nil {
			return "", info, fmt.Errorf("could not open local input file: %w", err)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return "", info, err
		}
		src, total = f, st.Size()
	}

	if d.maxSize > 0 && total > d.maxSize {
		return "", info, fmt.Errorf("input file size %d exceeds limit of %d bytes", total, d.maxSize)
	}
	if d.maxSize > 0 {
		// one extra byte detects bodies without a declared length that run over
		src = &io.LimitedReader{R: src, N: d.maxSize + 1}
	}
	written, err := io.Copy(out, &progressReader{r: src, total: total, progress: progress})
	if err != nil {
		return "", info, fmt.Errorf("failed to write input file: %w", err)
	}
	if d.maxSize > 0 && written > d.maxSize {
		return "", info, fmt.Errorf("input file size exceeds limit of %d bytes", d.maxSize)
	}
	if err := out.Close(); err != nil {
		return "", info, err
	}
	ok = true
	if progress != nil {
		progress(1)
	}
	return dst, info, nil
}

// mediaName derives a local file name from a URL or path.
func mediaName(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		p = u.Path
	}
	name := path.Base(filepath.ToSlash(p))
	if name == "." || name == "/" || name == "" {
		return "media"
	}
	return name
}

type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastPct  int
	progress stage.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.progress != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > p.lastPct {
			p.lastPct = pct
			p.progress(float64(pct) / 100)
		}
	}
	return n, err
}

// CommandDownloader runs an external downloader such as yt-dlp.
type CommandDownloader struct {
	runner commandRunner
	args   []string
}

// NewCommandDownloader validates a template that must use ${URL} and ${OUTPUT}.
func NewCommandDownloader(runner commandRunner, template string) (*CommandDownloader, error) {
	args, err := ParseTemplate(template, PlaceholderURL, PlaceholderOutput)
	if err != nil {
		return nil, fmt.Errorf("download command: %w", err)
	}
	return &CommandDownloader{runner: runner, args: args}, nil
}

type ytInfo struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Duration           float64 `json:"duration"`
	Uploader           string  `json:"uploader"`
	WebpageURL         string  `json:"webpage_url"`
	Filename           string  `json:"_filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
	} `json:"requested_downloads"`
}

func (d *CommandDownloader) Download(ctx context.Context, rawURL, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
	args := Expand(d.args, map[string]string{
		PlaceholderURL:    rawURL,
		PlaceholderOutput: filepath.Join(outputDir, "audio.%(ext)s"),
	})
	res, err := d.runner.Run(ctx, args, func(line string) {
		if m := downloadProgress.FindStringSubmatch(line); m != nil && progress != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				progress(pct / 100)
			}
		}
	})
	if err != nil {
		return "", stage.VideoInfo{URL: rawURL}, err
	}

	meta := parseInfo(res.Stdout)
	info := stage.VideoInfo{
		ID:       meta.ID,
		Title:    meta.Title,
		Duration: meta.Duration,
		Uploader: meta.Uploader,
		URL:      rawURL,
	}

	audio := ""
	for _, rd := range meta.RequestedDownloads {
		if rd.Filepath != "" {
			audio = rd.Filepath
		}
	}
	if audio == "" {
		audio = findAudio(outputDir)
	}
	if audio == "" {
		return "", info, fmt.Errorf("%s produced no audio file", res.Command)
	}
	if _, err := os.Stat(audio); err != nil {
		return "", info, fmt.Errorf("downloaded audio missing: %w", err)
	}
	return audio, info, nil
}

// parseInfo decodes the last JSON object printed on stdout.
func parseInfo(stdout string) ytInfo {
	var info ytInfo
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &info); err == nil {
			break
		}
	}
	return info
}

func findAudio(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "audio.*"))
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		return m
	}
	return ""
}

// Downloader sends direct media links and local files to the HTTP
// downloader and every other URL to the command downloader.
type Downloader struct {
	direct  *HTTPDownloader
	command *CommandDownloader
}

// NewDownloader combines both strategies; command may be nil.
func NewDownloader(direct *HTTPDownloader, command *CommandDownloader) *Downloader {
	return &Downloader{direct: direct, command: command}
}

func (d *Downloader) Download(ctx context.Context, rawURL, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
	if d.command == nil || isDirect(rawURL) {
		return d.direct.Download(ctx, rawURL, outputDir, progress)
	}
	return d.command.Download(ctx, rawURL, outputDir, progress)
}

func isDirect(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return true
	}
	return directExts[strings.ToLower(filepath.Ext(mediaName(raw)))]
}
