package room

import (
	"context"
	"sort"
	"sync"

	"github.com/adityaadpandey/meshcall/internals/domain"
)

// MemoryStore keeps rooms in process. Rooms are created on first join and
// dropped when the last member leaves.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Room)}
}

func (s *MemoryStore) Join(_ context.Context, name string, id domain.PeerID, capacity int) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[name]
	if !ok {
		rm = NewRoom(name)
	}
	res, err := rm.AddMember(id, capacity)
	if err != nil {
		return res, err
	}
	s.rooms[name] = rm
	return res, nil
}

func (s *MemoryStore) Leave(_ context.Context, name string, id domain.PeerID) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[name]
	if !ok {
		return LeaveResult{}, nil
	}
	res := rm.RemoveMember(id)
	if rm.IsEmpty() {
		delete(s.rooms, name)
	}
	return res, nil
}

func (s *MemoryStore) Members(_ context.Context, name string) ([]domain.PeerID, error) {
	if rm := s.get(name); rm != nil {
		return rm.Members(), nil
	}
	return nil, nil
}

func (s *MemoryStore) SetPresenter(_ context.Context, name string, id domain.PeerID) error {
	rm := s.get(name)
	if rm == nil {
		return ErrRoomNotFound
	}
	rm.SetPresenter(id)
	return nil
}

func (s *MemoryStore) ClearPresenter(_ context.Context, name string, id domain.PeerID) (bool, error) {
	rm := s.get(name)
	if rm == nil {
		return false, nil
	}
	return rm.ClearPresenter(id), nil
}

func (s *MemoryStore) Presenter(_ context.Context, name string) (domain.PeerID, error) {
	if rm := s.get(name); rm != nil {
		return rm.Presenter(), nil
	}
	return "", nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Info, error) {
	rm := s.get(name)
	if rm == nil {
		return Info{}, ErrRoomNotFound
	}
	return rm.Info(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	infos := make([]Info, 0, len(s.rooms))
	for _, rm := range s.rooms {
		infos = append(infos, rm.Info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms), nil
}

func (s *MemoryStore) get(name string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[name]
}
