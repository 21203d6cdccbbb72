package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediabatch/cache"
	"mediabatch/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// mockDownloader is a mock implementation of the stage.Downloader interface for testing.
type mockDownloader struct {
	calls        int32
	downloadFunc func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error)
}

func (m *mockDownloader) Download(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, url, outputDir, progress)
	}
	return writeAudio(url, outputDir)
}

func writeAudio(url, outputDir string) (string, stage.VideoInfo, error) {
	path := filepath.Join(outputDir, filepath.Base(url))
	if err := os.WriteFile(path, []byte("audio:"+url), 0o644); err != nil {
		return "", stage.VideoInfo{}, err
	}
	return path, stage.VideoInfo{Title: "Title " + filepath.Base(url), Duration: 10}, nil
}

type mockTranscriber struct {
	calls          int32
	transcribeFunc func(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.transcribeFunc != nil {
		return m.transcribeFunc(ctx, req, progress)
	}
	return &stage.Transcript{Segments: []stage.Segment{{Start: 0, End: 2, Text: "hello"}}, Language: "en"}, nil
}

type mockTranslator struct {
	calls int32
}

func (m *mockTranslator) TranslateText(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	return targetLang + ":" + text, nil
}

type mockExporter struct{}

func (mockExporter) Export(result *stage.Transcript, outputDir, format, baseName string, info stage.VideoInfo) (string, error) {
	if format == "csv" {
		return "", errors.New("csv writer unavailable")
	}
	path := filepath.Join(outputDir, baseName+"."+format)
	return path, os.WriteFile(path, []byte(result.Text), 0o644)
}

type fixture struct {
	sched       *Scheduler
	downloader  *mockDownloader
	transcriber *mockTranscriber
	translator  *mockTranslator
}

func newFixture(t *testing.T, concurrency int, c *cache.Cache) *fixture {
	t.Helper()
	f := &fixture{
		downloader:  &mockDownloader{},
		transcriber: &mockTranscriber{},
		translator:  &mockTranslator{},
	}
	f.sched = NewScheduler(Options{
		Concurrency:      concurrency,
		Model:            "base",
		OutputDir:        t.TempDir(),
		Formats:          []string{"srt", "txt"},
		ProgressInterval: 10 * time.Millisecond,
		DequeueTimeout:   20 * time.Millisecond,
		ResumePoll:       10 * time.Millisecond,
		WorkDir:          t.TempDir(),
	}, Deps{
		Downloader:    f.downloader,
		Transcription: stage.NewTranscriptionStage(f.transcriber, c, 0),
		Translation:   stage.NewTranslationStage(f.translator, c, 0),
		Exporter:      mockExporter{},
		Cache:         c,
	})
	t.Cleanup(func() { f.sched.Stop(true, time.Second) })
	return f
}

func (f *fixture) waitStatus(t *testing.T, want BatchStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sched.Status() == want }, waitFor, tick,
		"batch never reached %s (now %s)", want, f.sched.Status())
}

func (f *fixture) waitTask(t *testing.T, url string, want Status) *Record {
	t.Helper()
	var rec *Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = f.sched.Task(url)
		return ok && rec.Status == want
	}, waitFor, tick, "task %s never reached %s", url, want)
	return rec
}

// statusLog records the status sequence of every task from events. Pending is
// skipped since the submitter and the worker publish concurrently.
type statusLog struct {
	mu  sync.Mutex
	seq map[string][]Status
}

func watchStatuses(s *Scheduler) *statusLog {
	l := &statusLog{seq: make(map[string][]Status)}
	s.Events().Subscribe(EventTaskUpdated, func(ev Event) {
		if ev.Task.Status == StatusPending {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		list := l.seq[ev.Task.URL]
		if len(list) == 0 || list[len(list)-1] != ev.Task.Status {
			l.seq[ev.Task.URL] = append(list, ev.Task.Status)
		}
	})
	return l
}

func (l *statusLog) of(url string) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seq[url]...)
}

func TestScheduler_RunsBatchToCompletion(t *testing.T) {
	f := newFixture(t, 2, nil)
	var completedEvents int32
	f.sched.Events().Subscribe(EventBatchCompleted, func(Event) { atomic.AddInt32(&completedEvents, 1) })

	require.NoError(t, f.sched.StartBatch([]string{"https://example.com/a.mp3", "https://example.com/b.mp3"}))
	f.waitStatus(t, BatchCompleted)

	stats := f.sched.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 20.0, stats.TotalDuration)
	assert.False(t, stats.EndTime.IsZero())

	rec, ok := f.sched.Task("https://example.com/a.mp3")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 1.0, rec.Progress)
	assert.Equal(t, "Title a.mp3", rec.Title)
	assert.Len(t, rec.OutputFiles, 2)
	assert.NotEmpty(t, rec.ID)

	p, msg := f.sched.Progress()
	assert.Equal(t, 1.0, p)
	assert.Equal(t, "2/2 completed", msg)
	assert.Eventually(t, func() bool { return f.sched.WorkerCount() == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&completedEvents) == 1 }, waitFor, tick)
}

func TestScheduler_StageOrder(t *testing.T) {
	t.Run("no translating when target is None", func(t *testing.T) {
		f := newFixture(t, 1, nil)
		log := watchStatuses(f.sched)

		_, err := f.sched.AddTask(Spec{URL: "https://example.com/plain.mp3", TargetLang: "None"})
		require.NoError(t, err)
		f.waitStatus(t, BatchCompleted)

		seq := log.of("https://example.com/plain.mp3")
		assert.NotContains(t, seq, StatusTranslating)
		assert.Equal(t, []Status{
			StatusRunning, StatusValidating, StatusDownloading,
			StatusConverting, StatusTranscribing, StatusExporting, StatusCompleted,
		}, seq)
		assert.Equal(t, int32(0), atomic.LoadInt32(&f.translator.calls))
	})

	t.Run("translating when a target is set", func(t *testing.T) {
		f := newFixture(t, 1, nil)
		log := watchStatuses(f.sched)

		_, err := f.sched.AddTask(Spec{URL: "https://example.com/de.mp3", TargetLang: "de"})
		require.NoError(t, err)
		f.waitStatus(t, BatchCompleted)

		seq := log.of("https://example.com/de.mp3")
		assert.Contains(t, seq, StatusTranslating)
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.translator.calls))
	})
}

func TestScheduler_DedupByURL(t *testing.T) {
	f := newFixture(t, 1, nil)
	url := "https://example.com/dup.mp3"

	require.NoError(t, f.sched.StartBatch([]string{url, url}))
	f.waitStatus(t, BatchCompleted)
	assert.Equal(t, 1, f.sched.Stats().Total)

	rec, err := f.sched.AddTask(Spec{URL: url})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Len(t, f.sched.Tasks(), 1)
	assert.Equal(t, BatchCompleted, f.sched.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.downloader.calls))
}

func TestScheduler_CancelBatchDrainsQueue(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		<-ctx.Done()
		return "", stage.VideoInfo{}, ctx.Err()
	}
	urls := []string{"https://e.com/1", "https://e.com/2", "https://e.com/3", "https://e.com/4"}

	require.NoError(t, f.sched.StartBatch(urls))
	f.waitTask(t, urls[0], StatusDownloading)

	require.NoError(t, f.sched.CancelBatch())
	f.waitStatus(t, BatchCancelled)

	f.sched.mu.Lock()
	queued := f.sched.run.queue.Len()
	f.sched.mu.Unlock()
	assert.Equal(t, 0, queued)
	for _, u := range urls {
		rec, ok := f.sched.Task(u)
		require.True(t, ok)
		assert.Equal(t, StatusCancelled, rec.Status, u)
	}
	assert.Equal(t, 4, f.sched.Stats().Cancelled)
	assert.ErrorIs(t, f.sched.CancelBatch(), ErrInvalidState)
}

func TestScheduler_SetConcurrencyAddsWorkers(t *testing.T) {
	f := newFixture(t, 2, nil)
	release := make(chan struct{})
	var started int32
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		atomic.AddInt32(&started, 1)
		select {
		case <-release:
		case <-ctx.Done():
			return "", stage.VideoInfo{}, ctx.Err()
		}
		return writeAudio(url, outputDir)
	}

	require.NoError(t, f.sched.StartBatch([]string{"https://e.com/x", "https://e.com/y"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, waitFor, tick)
	assert.Equal(t, 2, f.sched.WorkerCount())

	assert.Equal(t, 4, f.sched.SetConcurrency(4))
	assert.Equal(t, 4, f.sched.WorkerCount())
	assert.Equal(t, 4, f.sched.Concurrency())
	for _, u := range []string{"https://e.com/x", "https://e.com/y"} {
		rec, _ := f.sched.Task(u)
		assert.Equal(t, StatusDownloading, rec.Status)
	}

	close(release)
	f.waitStatus(t, BatchCompleted)
	assert.Equal(t, 2, f.sched.Stats().Completed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.downloader.calls))

	assert.Equal(t, 1, f.sched.SetConcurrency(0))
}

func TestScheduler_TranscriptionFailureIsIsolated(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.transcriber.transcribeFunc = func(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
		if strings.Contains(req.AudioPath, "bad") {
			return nil, errors.New("model crashed")
		}
		return &stage.Transcript{Segments: []stage.Segment{{Start: 0, End: 1, Text: "ok"}}}, nil
	}
	bad, good := "https://e.com/bad.mp3", "https://e.com/good.mp3"

	require.NoError(t, f.sched.StartBatch([]string{bad, good}))
	f.waitStatus(t, BatchCompleted)

	rec, ok := f.sched.Task(bad)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "model crashed")
	assert.Empty(t, rec.OutputFiles)

	f.sched.mu.Lock()
	_, inActive := f.sched.active[bad]
	_, inCompleted := f.sched.completed[bad]
	f.sched.mu.Unlock()
	assert.False(t, inActive)
	assert.True(t, inCompleted)

	sibling, _ := f.sched.Task(good)
	assert.Equal(t, StatusCompleted, sibling.Status)
	assert.Equal(t, 1, f.sched.Stats().Failed)
}

func TestScheduler_AllFailedEndsFailed(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.transcriber.transcribeFunc = func(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
		return nil, nil
	}

	require.NoError(t, f.sched.StartBatch([]string{"https://e.com/empty.mp3"}))
	f.waitStatus(t, BatchFailed)

	rec, _ := f.sched.Task("https://e.com/empty.mp3")
	assert.Contains(t, rec.Error, stage.ErrNoResult.Error())
}

func TestScheduler_PauseAndResume(t *testing.T) {
	f := newFixture(t, 1, nil)
	entered := make(chan struct{})
	step := make(chan struct{})
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		close(entered)
		<-step
		progress(0.5)
		return writeAudio(url, outputDir)
	}
	url := "https://e.com/pause.mp3"

	require.NoError(t, f.sched.StartBatch([]string{url}))
	<-entered
	require.NoError(t, f.sched.PauseBatch())
	assert.Equal(t, BatchPaused, f.sched.Status())
	assert.ErrorIs(t, f.sched.PauseBatch(), ErrInvalidState)

	close(step)
	f.waitTask(t, url, StatusPaused)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, BatchPaused, f.sched.Status(), "a paused batch must not complete")

	require.NoError(t, f.sched.StartBatch(nil))
	f.waitStatus(t, BatchCompleted)
	rec, _ := f.sched.Task(url)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.ErrorIs(t, f.sched.ResumeBatch(), ErrInvalidState)
}

func TestScheduler_CancelTask(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		if strings.HasSuffix(url, "slow") {
			<-ctx.Done()
			return "", stage.VideoInfo{}, ctx.Err()
		}
		return writeAudio(url, outputDir)
	}
	slow, queued, fast := "https://e.com/slow", "https://e.com/queued", "https://e.com/fast"

	require.NoError(t, f.sched.StartBatch([]string{slow, queued, fast}))
	f.waitTask(t, slow, StatusDownloading)

	require.NoError(t, f.sched.CancelTask(queued))
	rec, _ := f.sched.Task(queued)
	assert.Equal(t, StatusCancelled, rec.Status)

	require.NoError(t, f.sched.CancelTask(slow))
	f.waitTask(t, slow, StatusCancelled)
	f.waitStatus(t, BatchCompleted)

	done, _ := f.sched.Task(fast)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, f.sched.Stats().Cancelled)

	assert.ErrorIs(t, f.sched.CancelTask(fast), ErrInvalidState)
	assert.ErrorIs(t, f.sched.CancelTask("https://e.com/unknown"), ErrTaskNotFound)
}

func TestScheduler_RetryTask(t *testing.T) {
	f := newFixture(t, 1, nil)
	var attempts int32
	f.transcriber.transcribeFunc = func(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("transient")
		}
		return &stage.Transcript{Segments: []stage.Segment{{Start: 0, End: 1, Text: "second time"}}}, nil
	}
	url := "https://e.com/retry.mp3"

	require.NoError(t, f.sched.StartBatch([]string{url}))
	f.waitStatus(t, BatchFailed)

	var pendingEvents int32
	unsubscribe := f.sched.Events().Subscribe(EventTaskUpdated, func(ev Event) {
		if ev.Task.URL == url && ev.Task.Status == StatusPending {
			atomic.AddInt32(&pendingEvents, 1)
		}
	})
	rec, err := f.sched.RetryTask(url)
	unsubscribe()
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pendingEvents), "retry must publish the pending task")

	f.waitStatus(t, BatchCompleted)
	rec, _ = f.sched.Task(url)
	assert.Equal(t, StatusCompleted, rec.Status)

	_, err = f.sched.RetryTask("https://e.com/unknown")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestScheduler_RemoveTask(t *testing.T) {
	f := newFixture(t, 1, nil)
	release := make(chan struct{})
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		<-release
		return writeAudio(url, outputDir)
	}
	url := "https://e.com/remove.mp3"

	require.NoError(t, f.sched.StartBatch([]string{url}))
	f.waitTask(t, url, StatusDownloading)
	assert.ErrorIs(t, f.sched.RemoveTask(url), ErrTaskRunning)

	close(release)
	f.waitStatus(t, BatchCompleted)
	require.NoError(t, f.sched.RemoveTask(url))
	_, ok := f.sched.Task(url)
	assert.False(t, ok)
	assert.ErrorIs(t, f.sched.RemoveTask(url), ErrTaskNotFound)
}

func TestScheduler_RemoveDequeuedTask(t *testing.T) {
	f := newFixture(t, 1, nil)
	release := make(chan struct{})
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		<-release
		return writeAudio(url, outputDir)
	}
	first, second := "https://e.com/first.mp3", "https://e.com/second.mp3"

	require.NoError(t, f.sched.StartBatch([]string{first, second}))
	f.waitTask(t, first, StatusDownloading)

	// second is taken off the queue the way a worker dequeues it before starting
	require.True(t, f.sched.run.queue.Remove(second))
	require.NoError(t, f.sched.RemoveTask(second))
	assert.Equal(t, 1, f.sched.Stats().Total)

	close(release)
	f.waitStatus(t, BatchCompleted)
	p, msg := f.sched.Progress()
	assert.Equal(t, 1.0, p)
	assert.Equal(t, "1/1 completed", msg)
}

func TestScheduler_StragglersDoNotCountTowardsNextBatch(t *testing.T) {
	f := newFixture(t, 1, nil)
	release := make(chan struct{})
	old, next := "https://e.com/old.mp3", "https://e.com/next.mp3"
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		if url == old {
			<-release
		}
		return writeAudio(url, outputDir)
	}

	require.NoError(t, f.sched.StartBatch([]string{old}))
	f.waitTask(t, old, StatusDownloading)
	f.sched.Stop(false, 0)
	require.Equal(t, BatchIdle, f.sched.Status())

	require.NoError(t, f.sched.StartBatch([]string{next}))
	f.waitTask(t, next, StatusCompleted)
	close(release)
	f.waitStatus(t, BatchCompleted)

	stats := f.sched.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Cancelled)
	_, msg := f.sched.Progress()
	assert.Equal(t, "1/1 completed", msg)
	rec, _ := f.sched.Task(old)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestScheduler_CacheEvictionKeepsTaskAudio(t *testing.T) {
	// room for a single audio artifact
	c, err := cache.New(t.TempDir(), cache.Options{MaxSize: 30})
	require.NoError(t, err)
	f := newFixture(t, 2, c)
	a, b := "https://e.com/a.mp3", "https://e.com/b.mp3"

	aStarted := make(chan struct{})
	bDone := make(chan struct{})
	f.transcriber.transcribeFunc = func(ctx context.Context, req stage.TranscribeRequest, progress stage.ProgressFunc) (*stage.Transcript, error) {
		if strings.HasSuffix(req.AudioPath, "a.mp3") {
			close(aStarted)
			<-bDone
			if _, err := os.Stat(req.AudioPath); err != nil {
				return nil, err
			}
		}
		return &stage.Transcript{Segments: []stage.Segment{{Start: 0, End: 1, Text: "ok"}}}, nil
	}

	require.NoError(t, f.sched.StartBatch([]string{a}))
	select {
	case <-aStarted:
	case <-time.After(waitFor):
		t.Fatal("task a never reached transcription")
	}
	require.NoError(t, f.sched.StartBatch([]string{b}))
	f.waitTask(t, b, StatusCompleted)

	_, _, cached := c.GetAudio(cache.SourceID(a))
	require.False(t, cached, "a's audio should have been evicted by b")
	close(bDone)

	f.waitStatus(t, BatchCompleted)
	rec, _ := f.sched.Task(a)
	assert.Equal(t, StatusCompleted, rec.Status, rec.Error)
}

func TestScheduler_UsesArtifactCache(t *testing.T) {
	c, err := cache.New(t.TempDir(), cache.Options{})
	require.NoError(t, err)
	f := newFixture(t, 1, c)
	url := "https://e.com/cached.mp3"

	_, err = f.sched.AddTask(Spec{URL: url})
	require.NoError(t, err)
	f.waitStatus(t, BatchCompleted)

	require.NoError(t, f.sched.RemoveTask(url))
	_, err = f.sched.AddTask(Spec{URL: url})
	require.NoError(t, err)
	f.waitStatus(t, BatchCompleted)

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.downloader.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.transcriber.calls))
	rec, _ := f.sched.Task(url)
	assert.Equal(t, "Title cached.mp3", rec.Title)
	assert.Equal(t, 10.0, rec.Duration)
}

func TestScheduler_StopReturnsToIdle(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.downloader.downloadFunc = func(ctx context.Context, url, outputDir string, progress stage.ProgressFunc) (string, stage.VideoInfo, error) {
		<-ctx.Done()
		return "", stage.VideoInfo{}, ctx.Err()
	}

	require.NoError(t, f.sched.StartBatch([]string{"https://e.com/s1", "https://e.com/s2", "https://e.com/s3"}))
	f.waitTask(t, "https://e.com/s1", StatusDownloading)

	f.sched.Stop(true, time.Second)

	assert.Equal(t, BatchIdle, f.sched.Status())
	assert.Equal(t, 0, f.sched.WorkerCount())
	for _, rec := range f.sched.Tasks() {
		assert.Equal(t, StatusCancelled, rec.Status, rec.URL)
	}
}

func TestScheduler_SessionRoundTrip(t *testing.T) {
	f := newFixture(t, 1, nil)
	now := time.Now()
	data := SessionData{
		ActiveTasks: []*Record{
			{URL: "https://e.com/pending", Model: "base", OutputDir: t.TempDir(), Formats: []string{"txt"}, Status: StatusPending, AddedTime: now},
			{URL: "https://e.com/paused", Model: "base", OutputDir: t.TempDir(), Formats: []string{"txt"}, Status: StatusPaused, Progress: 0.4, AddedTime: now.Add(time.Second)},
			{URL: "https://e.com/crashed", Model: "base", Status: StatusTranscribing, Progress: 0.6, AddedTime: now},
		},
		CompletedTasks: []*Record{
			{URL: "https://e.com/done", Status: StatusCompleted, Progress: 1, AddedTime: now},
		},
		Stats: Stats{Total: 4, Completed: 1},
	}
	blob, err := data.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalSession(blob)
	require.NoError(t, err)

	n, err := f.sched.LoadSession(decoded)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	paused, _ := f.sched.Task("https://e.com/paused")
	assert.Equal(t, StatusPending, paused.Status)
	assert.NotEmpty(t, paused.ID)
	crashed, _ := f.sched.Task("https://e.com/crashed")
	assert.Equal(t, StatusTranscribing, crashed.Status)

	require.NoError(t, f.sched.StartBatch(nil))
	f.waitStatus(t, BatchCompleted)
	assert.Equal(t, 2, f.sched.Stats().Completed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.downloader.calls))

	snap := f.sched.SessionData()
	assert.Empty(t, snap.ActiveTasks)
	assert.Len(t, snap.CompletedTasks, 4)

	require.NoError(t, f.sched.StartBatch([]string{"https://e.com/live"}))
	f.waitStatus(t, BatchCompleted)
	require.NoError(t, f.sched.Reset())
	assert.Empty(t, f.sched.Tasks())
}

func TestScheduler_ProgressAggregation(t *testing.T) {
	s := NewScheduler(Options{}, Deps{})
	p, msg := s.Progress()
	assert.Equal(t, 0.0, p)
	assert.Equal(t, "0/0 completed", msg)

	s.stats = Stats{Total: 4, Completed: 1, Failed: 1}
	s.active["https://e.com/half"] = &Record{URL: "https://e.com/half", Progress: 0.5}
	s.active["https://e.com/queued"] = &Record{URL: "https://e.com/queued"}

	p, msg = s.Progress()
	assert.InDelta(t, 0.625, p, 1e-9)
	assert.Equal(t, "2/4 completed", msg)
}

func TestScheduler_Validation(t *testing.T) {
	s := NewScheduler(Options{Model: "base", Models: []string{"base", "small"}, Formats: []string{"srt"}}, Deps{})

	var verr *ValidationError
	_, err := s.AddTask(Spec{URL: "  "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)

	_, err = s.AddTask(Spec{URL: "https://e.com/a", Model: "huge"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "model", verr.Field)

	_, err = s.AddTask(Spec{URL: "https://e.com/a", Formats: []string{"doc"}})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), `unsupported output format "doc"`)

	assert.Error(t, s.StartBatch([]string{"https://e.com/ok", ""}))
	assert.Equal(t, BatchIdle, s.Status())
	assert.Empty(t, s.Tasks())
}
