package task

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/lithammer/shortuuid/v4"
)

// SessionData is the snapshot handed to a persistence layer between restarts.
type SessionData struct {
	ActiveTasks    []*Record `json:"active_tasks"`
	CompletedTasks []*Record `json:"completed_tasks"`
	Stats          Stats     `json:"stats"`
}

// Marshal encodes the snapshot as JSON.
func (d SessionData) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalSession decodes a snapshot produced by Marshal.
func UnmarshalSession(data []byte) (SessionData, error) {
	var d SessionData
	if err := json.Unmarshal(data, &d); err != nil {
		return SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return d, nil
}

// SessionData returns a snapshot of every tracked task and the batch stats.
func (s *Scheduler) SessionData() SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := SessionData{
		ActiveTasks:    make([]*Record, 0, len(s.active)),
		CompletedTasks: make([]*Record, 0, len(s.completed)),
		Stats:          s.stats,
	}
	for _, rec := range s.active {
		d.ActiveTasks = append(d.ActiveTasks, rec.clone())
	}
	for _, rec := range s.completed {
		d.CompletedTasks = append(d.CompletedTasks, rec.clone())
	}
	byAdded := func(list []*Record) {
		sort.Slice(list, func(i, j int) bool { return list[i].AddedTime.Before(list[j].AddedTime) })
	}
	byAdded(d.ActiveTasks)
	byAdded(d.CompletedTasks)
	return d
}

// LoadSession replaces the tracked tasks with a snapshot. Pending and paused
// tasks come back as pending and run when the next batch starts; every other
// record is restored as-is into the completed map. It returns the number of
// tasks waiting to run.
func (s *Scheduler) LoadSession(d SessionData) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.acceptsNewBatch() {
		return 0, fmt.Errorf("%w: cannot load a session into a %s batch", ErrInvalidState, s.status)
	}

	active := make(map[string]*Record)
	completed := make(map[string]*Record)
	restore := func(rec *Record) *Record {
		if rec == nil || rec.URL == "" {
			return nil
		}
		if _, dup := active[rec.URL]; dup {
			return nil
		}
		if _, dup := completed[rec.URL]; dup {
			return nil
		}
		c := rec.clone()
		if c.ID == "" {
			c.ID = shortuuid.New()
		}
		return c
	}

	for _, rec := range d.ActiveTasks {
		c := restore(rec)
		if c == nil {
			continue
		}
		if c.Status == StatusPending || c.Status == StatusPaused {
			c.Status = StatusPending
			c.Progress = 0
			active[c.URL] = c
		} else {
			completed[c.URL] = c
		}
	}
	for _, rec := range d.CompletedTasks {
		if c := restore(rec); c != nil {
			completed[c.URL] = c
		}
	}

	s.active = active
	s.completed = completed
	s.stats = d.Stats
	s.run = nil
	s.status = BatchIdle
	log.Printf("[scheduler] session restored: %d pending, %d finished", len(active), len(completed))
	return len(active), nil
}
