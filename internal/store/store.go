// Package store holds the active schedule: an in-memory ordered view of
// pending posts plus its durable snapshot.
package store

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/postwatch/internal/model"
	yamlutil "github.com/msageha/postwatch/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

// snapshot is the schedule.yaml payload.
type snapshot struct {
	Posts []*model.Post `yaml:"posts"`
}

// Store is the single holder of scheduling state. All mutations are applied
// under one lock; the watch loop is the only writer.
type Store struct {
	mu           sync.Mutex
	posts        map[string]*model.Post
	snapshotPath string
	dataDir      string

	// retimeOnChange re-times a pending post when its explicit publish_at
	// descriptor field differs from the one recorded at first scan.
	retimeOnChange bool
}

func New(snapshotPath, dataDir string, retimeOnChange bool) *Store {
	return &Store{
		posts:          make(map[string]*model.Post),
		snapshotPath:   snapshotPath,
		dataDir:        dataDir,
		retimeOnChange: retimeOnChange,
	}
}

// Merge reconciles freshly scanned candidates against the active set. New
// identities are added, identities no longer on disk are dropped, and
// existing identities keep their first-computed scheduled time so repeated
// scans never reshuffle the schedule.
func (s *Store) Merge(candidates []*model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]*model.Post, len(candidates))
	for _, cand := range candidates {
		if existing, ok := s.posts[cand.ID]; ok {
			if !s.retimeOnChange || existing.PublishAt == cand.PublishAt {
				cand.ScheduledAt = existing.ScheduledAt
				cand.PublishAt = existing.PublishAt
			}
		}
		merged[cand.ID] = cand
	}
	s.posts = merged
}

// Seed inserts restored posts without reconciliation. Used once at startup,
// before the first scan.
func (s *Store) Seed(posts []*model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range posts {
		s.posts[p.ID] = p
	}
}

// Persist writes the active set to the snapshot file atomically.
func (s *Store) Persist() error {
	s.mu.Lock()
	posts := s.sorted()
	s.mu.Unlock()

	if err := yamlutil.AtomicWrite(s.snapshotPath, snapshot{Posts: posts}); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	return nil
}

// Restore loads a prior snapshot to seed the active set. A corrupt snapshot
// is quarantined and, when possible, replaced by its backup; a missing one
// yields an empty schedule. Returns the path the corrupt file was moved to,
// if any.
func (s *Store) Restore() (quarantined string, err error) {
	data, err := os.ReadFile(s.snapshotPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if yamlErr := yamlv3.Unmarshal(data, &snap); yamlErr != nil {
		quarantined, err = yamlutil.Quarantine(s.dataDir, s.snapshotPath)
		if err != nil {
			return "", fmt.Errorf("quarantine corrupt snapshot: %w", err)
		}
		if err := yamlutil.RestoreFromBackup(s.snapshotPath); err != nil {
			// No usable backup. The first scan rebuilds the schedule.
			return quarantined, nil
		}
		restored, err := os.ReadFile(s.snapshotPath)
		if err != nil {
			return quarantined, fmt.Errorf("read restored snapshot: %w", err)
		}
		if err := yamlv3.Unmarshal(restored, &snap); err != nil {
			return quarantined, fmt.Errorf("parse restored snapshot: %w", err)
		}
	}

	s.Seed(snap.Posts)
	return quarantined, nil
}

// Earliest returns the minimum scheduled time across the active set, which
// is exactly what the watch loop arms its timer with.
func (s *Store) Earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for _, p := range s.posts {
		if p.SettleDeferred {
			continue
		}
		if !found || p.ScheduledAt.Before(earliest) {
			earliest = p.ScheduledAt
			found = true
		}
	}
	return earliest, found
}

// Due returns the posts whose scheduled time is at or before now, in firing
// order (scheduled time, then identity).
func (s *Store) Due(now time.Time) []*model.Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Post
	for _, p := range s.posts {
		if p.Due(now) {
			due = append(due, p)
		}
	}
	model.SortPosts(due)
	return due
}

// Remove drops a settled post from the active set.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.posts, id)
}

// DeferSettle marks a post whose settlement failed. It stays in the
// schedule, excluded from due selection, until the next merge replaces it.
func (s *Store) DeferSettle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[id]; ok {
		p.SettleDeferred = true
	}
}

// Get returns the post with the given identity, if present.
func (s *Store) Get(id string) (*model.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	return p, ok
}

// Len returns the number of active posts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// Posts returns the active set in schedule order.
func (s *Store) Posts() []*model.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted()
}

// sorted must be called with s.mu held.
func (s *Store) sorted() []*model.Post {
	posts := make([]*model.Post, 0, len(s.posts))
	for _, p := range s.posts {
		posts = append(posts, p)
	}
	model.SortPosts(posts)
	return posts
}
