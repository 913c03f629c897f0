// Package projectstore is the external durable project store: the last
// writer wins mirror of a room's files that outlives the sync hub.
package projectstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrNotFound = errors.New("room not found")

type Project struct {
	RoomID       string            `json:"roomId"`
	OwnerID      string            `json:"ownerId,omitempty"`
	Name         string            `json:"name,omitempty"`
	Lang         string            `json:"lang,omitempty"`
	Files        map[string]string `json:"files"`
	LastModified time.Time         `json:"lastModified"`
}

// Patch renames a project or changes its language. Empty fields are left as
// they are.
type Patch struct {
	Name string `json:"name,omitempty"`
	Lang string `json:"lang,omitempty"`
}

type Store interface {
	Get(ctx context.Context, roomID string) (*Project, error)
	// Put creates the project or updates it. On update a nil Files keeps the
	// stored files and empty Name or Lang keep the stored values; the owner
	// is only set once.
	Put(ctx context.Context, p *Project) (*Project, error)
	Delete(ctx context.Context, roomID string) error
	Patch(ctx context.Context, roomID string, patch Patch) (*Project, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Project, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.Mutex
	projects map[string]*Project
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{clock: c, projects: make(map[string]*Project)}
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, p *Project) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[p.RoomID]
	if !ok {
		cur = &Project{RoomID: p.RoomID, OwnerID: p.OwnerID, Files: map[string]string{}}
		s.projects[p.RoomID] = cur
	}
	cur.merge(p)
	cur.LastModified = s.clock.Now()
	return cur.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[roomID]; !ok {
		return ErrNotFound
	}
	delete(s.projects, roomID)
	return nil
}

func (s *MemoryStore) Patch(ctx context.Context, roomID string, patch Patch) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cur.merge(&Project{Name: patch.Name, Lang: patch.Lang})
	cur.LastModified = s.clock.Now()
	return cur.clone(), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := []*Project{}
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			projects = append(projects, p.clone())
		}
	}
	sortProjects(projects)
	return projects, nil
}

// merge applies the update rules of Put to p.
func (p *Project) merge(update *Project) {
	if p.OwnerID == "" {
		p.OwnerID = update.OwnerID
	}
	if update.Files != nil {
		p.Files = cloneFiles(update.Files)
	}
	if update.Name != "" {
		p.Name = update.Name
	}
	if update.Lang != "" {
		p.Lang = update.Lang
	}
}

func (p *Project) clone() *Project {
	c := *p
	c.Files = cloneFiles(p.Files)
	return &c
}

func cloneFiles(files map[string]string) map[string]string {
	c := make(map[string]string, len(files))
	for k, v := range files {
		c[k] = v
	}
	return c
}

// sortProjects orders projects most recently modified first.
func sortProjects(projects []*Project) {
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].LastModified.Equal(projects[j].LastModified) {
			return projects[i].LastModified.After(projects[j].LastModified)
		}
		return projects[i].RoomID < projects[j].RoomID
	})
}
