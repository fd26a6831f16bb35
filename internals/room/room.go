package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

// Info is a snapshot of one room.
type Info struct {
	Name      string          `json:"name"`
	Members   []domain.PeerID `json:"members"`
	Presenter *domain.PeerID  `json:"presenter"`
	CreatedAt time.Time       `json:"createdAt"`
}

type JoinResult struct {
	// Existing lists the other members in join order.
	Existing      []domain.PeerID
	AlreadyMember bool

	// Expired lists members dropped during the join because the instance
	// holding them is gone. It is set even when the join is rejected.
	Expired          []domain.PeerID
	ExpiredPresenter bool
}

type LeaveResult struct {
	Remaining    []domain.PeerID
	WasMember    bool
	WasPresenter bool
}

// Store holds membership and the presenter for every room. Implementations
// must enforce capacity atomically; the hub additionally serializes mutations
// of one room with a Locker so notifications leave in mutation order.
type Store interface {
	Join(ctx context.Context, name string, id domain.PeerID, capacity int) (JoinResult, error)
	Leave(ctx context.Context, name string, id domain.PeerID) (LeaveResult, error)
	Members(ctx context.Context, name string) ([]domain.PeerID, error)
	SetPresenter(ctx context.Context, name string, id domain.PeerID) error
	// ClearPresenter clears only if id is the current presenter.
	ClearPresenter(ctx context.Context, name string, id domain.PeerID) (bool, error)
	Presenter(ctx context.Context, name string) (domain.PeerID, error)
	Get(ctx context.Context, name string) (Info, error)
	List(ctx context.Context) ([]Info, error)
	Count(ctx context.Context) (int, error)
}

// Room is the in-memory representation used by MemoryStore.
type Room struct {
	Name      string
	CreatedAt time.Time

	mu        sync.RWMutex
	members   []domain.PeerID
	presenter domain.PeerID
}

func NewRoom(name string) *Room {
	return &Room{
		Name:      name,
		CreatedAt: time.Now(),
	}
}

func (r *Room) AddMember(id domain.PeerID, capacity int) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexOf(id); idx >= 0 {
		return JoinResult{Existing: r.othersLocked(id), AlreadyMember: true}, nil
	}
	if len(r.members) >= capacity {
		return JoinResult{}, ErrRoomFull
	}

	existing := r.othersLocked(id)
	r.members = append(r.members, id)
	return JoinResult{Existing: existing}, nil
}

func (r *Room) RemoveMember(id domain.PeerID) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res LeaveResult
	if idx := r.indexOf(id); idx >= 0 {
		r.members = append(r.members[:idx], r.members[idx+1:]...)
		res.WasMember = true
	}
	if r.presenter == id {
		r.presenter = ""
		res.WasPresenter = true
	}
	res.Remaining = append([]domain.PeerID(nil), r.members...)
	return res
}

func (r *Room) Members() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.PeerID(nil), r.members...)
}

func (r *Room) HasMember(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(id) >= 0
}

func (r *Room) SetPresenter(id domain.PeerID) {
	r.mu.Lock()
	r.presenter = id
	r.mu.Unlock()
}

func (r *Room) ClearPresenter(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presenter == "" || r.presenter != id {
		return false
	}
	r.presenter = ""
	return true
}

func (r *Room) Presenter() domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenter
}

func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

func (r *Room) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := Info{
		Name:      r.Name,
		Members:   append([]domain.PeerID{}, r.members...),
		CreatedAt: r.CreatedAt,
	}
	if r.presenter != "" {
		p := r.presenter
		info.Presenter = &p
	}
	return info
}

func (r *Room) indexOf(id domain.PeerID) int {
	for i, m := range r.members {
		if m == id {
			return i
		}
	}
	return -1
}

func (r *Room) othersLocked(id domain.PeerID) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(r.members))
	for _, m := range r.members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// Missing returns members that are neither the requester nor already known.
func Missing(members, known []domain.PeerID, requester domain.PeerID) []domain.PeerID {
	knownSet := make(map[domain.PeerID]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	out := make([]domain.PeerID, 0)
	for _, m := range members {
		if m == requester {
			continue
		}
		if _, ok := knownSet[m]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}
