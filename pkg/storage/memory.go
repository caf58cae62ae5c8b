package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evertask/evertask/pkg/models"
)

// MemoryStorage keeps tasks in memory. Suitable for tests and hosts that do
// not need durability; recovery after restart is a no-op with this store.
type MemoryStorage struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*models.QueuedTask
	logs    map[uuid.UUID][]models.TaskExecutionLog
	auditID int64
	logID   int64
	now     func() time.Time
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*models.QueuedTask),
		logs:  make(map[uuid.UUID][]models.TaskExecutionLog),
		now:   time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *MemoryStorage) WithNow(now func() time.Time) *MemoryStorage {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *MemoryStorage) Persist(ctx context.Context, task *models.QueuedTask) error {
	if task == nil || task.ID == uuid.Nil {
		return fmt.Errorf("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStorage) GetByTaskKey(ctx context.Context, key string) (*models.QueuedTask, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.TaskKey == key {
			return cloneTask(task), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) UpdateTask(ctx context.Context, task *models.QueuedTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneTask(task)
	// Audit history is owned by the store; keep the recorded trail.
	updated.StatusAudits = existing.StatusAudits
	updated.RunsAudits = existing.RunsAudits
	s.tasks[task.ID] = updated
	return nil
}

func (s *MemoryStorage) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStorage) RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*models.QueuedTask, error) {
	if take <= 0 {
		take = 100
	}
	now := s.now().UTC()

	s.mu.RLock()
	candidates := make([]*models.QueuedTask, 0)
	for _, task := range s.tasks {
		if !pendingStatus(task.Status) {
			continue
		}
		if task.MaxRuns != nil && task.CurrentRunCount != nil && *task.CurrentRunCount >= *task.MaxRuns {
			continue
		}
		if task.RunUntil != nil && !task.RunUntil.After(now) {
			continue
		}
		candidates = append(candidates, task)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAtUtc.Equal(candidates[j].CreatedAtUtc) {
			return candidates[i].CreatedAtUtc.Before(candidates[j].CreatedAtUtc)
		}
		return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
	})

	out := make([]*models.QueuedTask, 0, take)
	for _, task := range candidates {
		if !afterKey(task, lastCreatedAt, lastID) {
			continue
		}
		out = append(out, cloneTask(task))
		if len(out) == take {
			break
		}
	}
	return out, nil
}

func (s *MemoryStorage) SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus, exception string, level models.AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	if exception != "" {
		task.Exception = exception
	}
	if status == models.StatusInProgress {
		now := s.now().UTC()
		task.LastExecutionUtc = &now
	}
	if level.RecordsStatus(status) {
		s.auditID++
		task.StatusAudits = append(task.StatusAudits, models.StatusAudit{
			ID:           s.auditID,
			QueuedTaskID: id,
			UpdatedAtUtc: s.now().UTC(),
			NewStatus:    status,
			Exception:    exception,
		})
	}
	return nil
}

func (s *MemoryStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if task.CurrentRunCount == nil {
		return 0, nil
	}
	return *task.CurrentRunCount, nil
}

func (s *MemoryStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	count := 1
	if task.CurrentRunCount != nil {
		count = *task.CurrentRunCount + 1
	}
	task.CurrentRunCount = &count
	task.NextRunUtc = cloneTime(nextRun)
	if level.RecordsRun(task.Status) {
		s.auditID++
		task.RunsAudits = append(task.RunsAudits, models.RunsAudit{
			ID:           s.auditID,
			QueuedTaskID: id,
			ExecutedAt:   s.now().UTC(),
			Status:       task.Status,
			Exception:    task.Exception,
		})
	}
	return nil
}

func (s *MemoryStorage) RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, skipped []time.Time) error {
	if len(skipped) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	s.auditID++
	task.RunsAudits = append(task.RunsAudits, models.RunsAudit{
		ID:           s.auditID,
		QueuedTaskID: id,
		ExecutedAt:   s.now().UTC(),
		Status:       task.Status,
		Exception:    skippedSummary(skipped),
	})
	return nil
}

func (s *MemoryStorage) SaveExecutionLogs(ctx context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	seq := int64(len(s.logs[id]))
	for _, entry := range logs {
		s.logID++
		seq++
		entry.ID = s.logID
		entry.TaskID = id
		entry.SequenceNumber = seq
		s.logs[id] = append(s.logs[id], entry)
	}
	return nil
}

func (s *MemoryStorage) GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[id]
	if skip < 0 {
		skip = 0
	}
	if skip >= len(entries) {
		return nil, nil
	}
	entries = entries[skip:]
	if take > 0 && take < len(entries) {
		entries = entries[:take]
	}
	out := make([]models.TaskExecutionLog, len(entries))
	copy(out, entries)
	return out, nil
}

// Count returns the number of stored tasks.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func pendingStatus(status models.TaskStatus) bool {
	switch status {
	case models.StatusQueued, models.StatusPending, models.StatusInProgress, models.StatusServiceStopped:
		return true
	default:
		return false
	}
}

func afterKey(task *models.QueuedTask, lastCreatedAt time.Time, lastID uuid.UUID) bool {
	if lastCreatedAt.IsZero() {
		return true
	}
	if task.CreatedAtUtc.After(lastCreatedAt) {
		return true
	}
	if task.CreatedAtUtc.Equal(lastCreatedAt) {
		return bytes.Compare(task.ID[:], lastID[:]) > 0
	}
	return false
}

func skippedSummary(skipped []time.Time) string {
	first := skipped[0].UTC().Format(time.RFC3339)
	last := skipped[len(skipped)-1].UTC().Format(time.RFC3339)
	if len(skipped) == 1 {
		return fmt.Sprintf("skipped 1 occurrence at %s during downtime", first)
	}
	return fmt.Sprintf("skipped %d occurrences between %s and %s during downtime", len(skipped), first, last)
}

func cloneTask(task *models.QueuedTask) *models.QueuedTask {
	out := *task
	out.LastExecutionUtc = cloneTime(task.LastExecutionUtc)
	out.ScheduledExecutionUtc = cloneTime(task.ScheduledExecutionUtc)
	out.NextRunUtc = cloneTime(task.NextRunUtc)
	out.RunUntil = cloneTime(task.RunUntil)
	out.CurrentRunCount = cloneInt(task.CurrentRunCount)
	out.MaxRuns = cloneInt(task.MaxRuns)
	out.StatusAudits = append([]models.StatusAudit(nil), task.StatusAudits...)
	out.RunsAudits = append([]models.RunsAudit(nil), task.RunsAudits...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
