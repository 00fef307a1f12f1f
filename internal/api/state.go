package api

import (
	"sync"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

// requestsCache maps task ids to the actors running them.
type requestsCache struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]*actor.PID
}

func newRequestsCache() *requestsCache {
	return &requestsCache{
		ids: map[uuid.UUID]*actor.PID{},
	}
}

func (s *requestsCache) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *requestsCache) add(id uuid.UUID, pid *actor.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = pid
}

func (s *requestsCache) get(id uuid.UUID) (*actor.PID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.ids[id]
	return pid, ok
}

func (s *requestsCache) all() map[uuid.UUID]*actor.PID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*actor.PID, len(s.ids))
	for id, pid := range s.ids {
		out[id] = pid
	}
	return out
}
