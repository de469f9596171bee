package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemStore keeps jobs in memory. When created with a path it also persists
// every mutation to a JSON file so records survive restarts.
type MemStore struct {
	path  string
	mu    sync.RWMutex
	items map[string]*Job
	byKey map[string]string
}

type persistContainer struct {
	Jobs []Job `json:"jobs"`
}

// NewMemStore returns a purely in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Job), byKey: make(map[string]string)}
}

// NewFileStore returns a MemStore backed by the JSON file at path.
func NewFileStore(path string) (*MemStore, error) {
	s := NewMemStore()
	s.path = path
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse job store: %w", err)
	}
	for _, j := range container.Jobs {
		job := j
		s.items[job.ID] = &job
		s.byKey[job.Key.String()] = job.ID
	}
	return nil
}

// save must be called with s.mu held.
func (s *MemStore) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := persistContainer{Jobs: make([]Job, 0, len(s.items))}
	for _, job := range s.items {
		container.Jobs = append(container.Jobs, job.clone())
	}
	sort.Slice(container.Jobs, func(i, k int) bool {
		return container.Jobs[i].CreatedAt.Before(container.Jobs[k].CreatedAt)
	})
	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *MemStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Key.String()
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicate
	}
	if _, exists := s.items[job.ID]; exists {
		return ErrDuplicate
	}
	rec := job.clone()
	s.items[rec.ID] = &rec
	s.byKey[key] = rec.ID
	if err := s.save(); err != nil {
		delete(s.items, rec.ID)
		delete(s.byKey, key)
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, key Key) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key.String()]
	if !ok {
		return Job{}, ErrNotFound
	}
	return s.items[id].clone(), nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *MemStore) LatestForTask(_ context.Context, task string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Job
	for _, rec := range s.items {
		if rec.Key.Task != task {
			continue
		}
		if latest == nil || newer(rec, latest) {
			latest = rec
		}
	}
	if latest == nil {
		return Job{}, ErrNotFound
	}
	return latest.clone(), nil
}

// newer orders by round first so a revision always wins over the build it revises.
func newer(a, b *Job) bool {
	if a.Key.Round != b.Key.Round {
		return a.Key.Round > b.Key.Round
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *MemStore) Update(_ context.Context, id string, fn func(j *Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	next, err := applyUpdate(*rec, fn)
	if err != nil {
		return Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()

	prev := *rec
	*rec = next
	if err := s.save(); err != nil {
		*rec = prev
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	return next.clone(), nil
}

func (s *MemStore) List(_ context.Context, filter ListFilter) ([]Job, int, error) {
	filter = filter.normalized()

	s.mu.RLock()
	matched := make([]Job, 0, len(s.items))
	for _, rec := range s.items {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *MemStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, rec := range s.items {
		st.add(rec.Status)
	}
	return st, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	delete(s.byKey, rec.Key.String())
	return s.save()
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }
