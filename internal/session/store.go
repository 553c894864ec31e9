package session

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
)

// Store is the live session map. Every read returns a copy and every write
// stores one, so callers never share memory with the map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*LiveSession
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*LiveSession),
	}
}

func (s *Store) Get(id string) (*LiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every session sorted by id.
func (s *Store) GetAll() []*LiveSession {
	s.mu.RLock()
	result := lo.MapToSlice(s.sessions, func(_ string, st *LiveSession) *LiveSession {
		return st.Clone()
	})
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Upsert stores a copy of ls and reports whether it was new.
func (s *Store) Upsert(ls *LiveSession) bool {
	c := ls.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.sessions[ls.ID]
	s.sessions[ls.ID] = c
	return !existed
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Summarize counts sessions by status and by the needs-you group.
func (s *Store) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{Total: len(s.sessions)}
	for _, st := range s.sessions {
		switch st.Status {
		case Working:
			sum.Working++
		case Paused:
			sum.Paused++
		case Done:
			sum.Done++
		}
		if st.AgentState.Group == agentstate.GroupNeedsYou {
			sum.NeedsYou++
		}
	}
	return sum
}
