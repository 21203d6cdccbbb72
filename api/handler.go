package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/store"
	"mediabatch/task"

	"github.com/gin-gonic/gin"
)

// SessionStore persists scheduler snapshots.
type SessionStore interface {
	Save(data []byte, active, completed int) (int64, error)
	Latest() (*store.Snapshot, error)
	List() ([]store.Snapshot, error)
}

type Handler struct {
	scheduler *task.Scheduler
	cache     *cache.Cache
	sessions  SessionStore
	cfg       *config.Config
}

func NewHandler(s *task.Scheduler, c *cache.Cache, sessions SessionStore, cfg *config.Config) *Handler {
	return &Handler{
		scheduler: s,
		cache:     c,
		sessions:  sessions,
		cfg:       cfg,
	}
}

// TaskResponse is a task record plus links to its finished outputs.
type TaskResponse struct {
	*task.Record
	DownloadURLs []string `json:"download_urls,omitempty"`
}

type BatchResponse struct {
	Status      task.BatchStatus `json:"status"`
	Stats       task.Stats       `json:"stats"`
	Progress    float64          `json:"progress"`
	Message     string           `json:"message"`
	Concurrency int              `json:"concurrency"`
	Workers     int              `json:"workers"`
}

type StartBatchRequest struct {
	URLs []string `json:"urls"`
}

type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency" binding:"required,min=1"`
}

type CacheLimitsRequest struct {
	MaxSize string `json:"max_size"`
	TTL     string `json:"ttl"`
}

// writeError maps scheduler errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, task.ErrInvalidState), errors.Is(err, task.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) batchResponse() BatchResponse {
	p, msg := h.scheduler.Progress()
	return BatchResponse{
		Status:      h.scheduler.Status(),
		Stats:       h.scheduler.Stats(),
		Progress:    p,
		Message:     msg,
		Concurrency: h.scheduler.Concurrency(),
		Workers:     h.scheduler.WorkerCount(),
	}
}

func (h *Handler) handleBatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.batchResponse())
}

// handleStartBatch starts a batch of URLs with the configured defaults. An
// empty list runs tasks restored from a session.
func (h *Handler) handleStartBatch(c *gin.Context) {
	var req StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.StartBatch(req.URLs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.batchResponse())
}

func (h *Handler) handlePauseBatch(c *gin.Context) {
	if err := h.scheduler.PauseBatch(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.batchResponse())
}

func (h *Handler) handleResumeBatch(c *gin.Context) {
	if err := h.scheduler.ResumeBatch(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.batchResponse())
}

func (h *Handler) handleCancelBatch(c *gin.Context) {
	if err := h.scheduler.CancelBatch(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Batch cancellation requested"})
}

func (h *Handler) handleResetBatch(c *gin.Context) {
	if err := h.scheduler.Reset(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.batchResponse())
}

func (h *Handler) handleSetConcurrency(c *gin.Context) {
	var req ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := h.scheduler.SetConcurrency(req.Concurrency)
	c.JSON(http.StatusOK, gin.H{"concurrency": n, "workers": h.scheduler.WorkerCount()})
}

// handleCreateTask submits one task with explicit parameters.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var spec task.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.scheduler.AddTask(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": rec.ID, "status": rec.Status})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	records := h.scheduler.Tasks()
	out := make([]TaskResponse, 0, len(records))
	for _, rec := range records {
		if status := c.Query("status"); status != "" && string(rec.Status) != status {
			continue
		}
		out = append(out, h.taskResponse(c, rec))
	}
	c.JSON(http.StatusOK, out)
}

// taskResponse adds download links for every output file of a completed task.
func (h *Handler) taskResponse(c *gin.Context, rec *task.Record) TaskResponse {
	resp := TaskResponse{Record: rec}
	if rec.Status != task.StatusCompleted || len(rec.OutputFiles) == 0 {
		return resp
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	for _, path := range rec.OutputFiles {
		resp.DownloadURLs = append(resp.DownloadURLs,
			fmt.Sprintf("%s/api/v1/tasks/%s/files/%s", baseURL, rec.ID, filepath.Base(path)))
	}
	return resp
}

func (h *Handler) lookup(c *gin.Context) (*task.Record, bool) {
	rec, found := h.scheduler.TaskByID(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return nil, false
	}
	return rec, true
}

func (h *Handler) handleGetTask(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(c, rec))
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.scheduler.CancelTask(rec.URL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

func (h *Handler) handleRetryTask(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	retried, err := h.scheduler.RetryTask(rec.URL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": retried.ID, "status": retried.Status})
}

func (h *Handler) handleRemoveTask(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.scheduler.RemoveTask(rec.URL); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleGetFile serves one output file of a task. Only files the task
// produced are reachable.
func (h *Handler) handleGetFile(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	filename := c.Param("filename")
	for _, path := range rec.OutputFiles {
		if filepath.Base(path) == filename {
			c.FileAttachment(path, filename)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
}

func (h *Handler) requireCache(c *gin.Context) bool {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache is disabled"})
		return false
	}
	return true
}

func (h *Handler) handleCacheInfo(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	c.JSON(http.StatusOK, h.cache.Info())
}

func (h *Handler) handleCacheClear(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	if err := h.cache.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.cache.Info())
}

func (h *Handler) handleCacheCleanup(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	removed := h.cache.Cleanup()
	c.JSON(http.StatusOK, gin.H{"removed": removed, "info": h.cache.Info()})
}

// handleCacheLimits changes the size bound ("500MB") and/or TTL ("24h").
func (h *Handler) handleCacheLimits(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	var req CacheLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxSize == "" && req.TTL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_size or ttl is required"})
		return
	}

	var (
		size int64
		ttl  time.Duration
		err  error
	)
	if req.MaxSize != "" {
		if size, err = config.ParseByteSize(req.MaxSize); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid ttl: %v", err)})
			return
		}
	}

	if req.MaxSize != "" {
		h.cache.SetMaxSize(size)
	}
	if req.TTL != "" {
		h.cache.SetTTL(ttl)
	}
	c.JSON(http.StatusOK, h.cache.Info())
}

func (h *Handler) requireSessions(c *gin.Context) bool {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store is disabled"})
		return false
	}
	return true
}

func (h *Handler) handleListSessions(c *gin.Context) {
	if !h.requireSessions(c) {
		return
	}
	list, err := h.sessions.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []store.Snapshot{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) handleSaveSession(c *gin.Context) {
	if !h.requireSessions(c) {
		return
	}
	id, err := SaveSession(h.scheduler, h.sessions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// handleRestoreSession loads the latest snapshot into an idle scheduler.
func (h *Handler) handleRestoreSession(c *gin.Context) {
	if !h.requireSessions(c) {
		return
	}
	pending, err := RestoreSession(h.scheduler, h.sessions)
	if errors.Is(err, store.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "tasks": len(h.scheduler.Tasks())})
}

// SaveSession writes the scheduler snapshot to sessions.
func SaveSession(s *task.Scheduler, sessions SessionStore) (int64, error) {
	snap := s.SessionData()
	data, err := snap.Marshal()
	if err != nil {
		return 0, err
	}
	id, err := sessions.Save(data, len(snap.ActiveTasks), len(snap.CompletedTasks))
	if err != nil {
		return 0, err
	}
	log.Printf("[api] session %d saved: %d active, %d finished", id, len(snap.ActiveTasks), len(snap.CompletedTasks))
	return id, nil
}

// RestoreSession loads the most recent snapshot and returns the number of
// tasks waiting to run.
func RestoreSession(s *task.Scheduler, sessions SessionStore) (int, error) {
	snap, err := sessions.Latest()
	if err != nil {
		return 0, err
	}
	d, err := task.UnmarshalSession(snap.Data)
	if err != nil {
		return 0, err
	}
	return s.LoadSession(d)
}
