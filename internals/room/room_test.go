package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinReturnsExistingInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Join(ctx, "Alpha", "A", 3)
	require.NoError(t, err)
	assert.Empty(t, res.Existing)

	_, err = s.Join(ctx, "Alpha", "B", 3)
	require.NoError(t, err)

	res, err = s.Join(ctx, "Alpha", "C", 3)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"A", "B"}, res.Existing)
	assert.False(t, res.AlreadyMember)
}

func TestJoinRejectsWhenFull(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, "Alpha", "A", 2)
	require.NoError(t, err)
	_, err = s.Join(ctx, "Alpha", "B", 2)
	require.NoError(t, err)

	_, err = s.Join(ctx, "Alpha", "C", 2)
	assert.ErrorIs(t, err, ErrRoomFull)

	members, err := s.Members(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"A", "B"}, members)
}

func TestJoinIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Join(ctx, "Alpha", "A", 2)
	require.NoError(t, err)
	_, err = s.Join(ctx, "Alpha", "B", 2)
	require.NoError(t, err)

	res, err := s.Join(ctx, "Alpha", "B", 2)
	require.NoError(t, err)
	assert.True(t, res.AlreadyMember)
	assert.Equal(t, []domain.PeerID{"A"}, res.Existing)
}

func TestCapacityHoldsUnderConcurrentJoins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Join(ctx, "Alpha", domain.PeerID(fmt.Sprintf("p%02d", i)), 2); err == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 2, admitted.Load())
	members, _ := s.Members(ctx, "Alpha")
	assert.Len(t, members, 2)
}

func TestLeaveClearsPresenterAndDropsEmptyRoom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.Join(ctx, "Alpha", "A", 2)
	_, _ = s.Join(ctx, "Alpha", "B", 2)
	require.NoError(t, s.SetPresenter(ctx, "Alpha", "A"))

	res, err := s.Leave(ctx, "Alpha", "A")
	require.NoError(t, err)
	assert.True(t, res.WasMember)
	assert.True(t, res.WasPresenter)
	assert.Equal(t, []domain.PeerID{"B"}, res.Remaining)

	presenter, err := s.Presenter(ctx, "Alpha")
	require.NoError(t, err)
	assert.True(t, presenter.IsZero())

	_, _ = s.Leave(ctx, "Alpha", "B")
	count, _ := s.Count(ctx)
	assert.Equal(t, 0, count)
	_, err = s.Get(ctx, "Alpha")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	res, err = s.Leave(ctx, "Alpha", "B")
	require.NoError(t, err)
	assert.False(t, res.WasMember)
}

func TestPresenterLastWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.Join(ctx, "Alpha", "A", 2)
	_, _ = s.Join(ctx, "Alpha", "B", 2)

	require.NoError(t, s.SetPresenter(ctx, "Alpha", "A"))
	require.NoError(t, s.SetPresenter(ctx, "Alpha", "B"))

	cleared, err := s.ClearPresenter(ctx, "Alpha", "A")
	require.NoError(t, err)
	assert.False(t, cleared, "stale presenter must not clear the new one")

	info, err := s.Get(ctx, "Alpha")
	require.NoError(t, err)
	require.NotNil(t, info.Presenter)
	assert.Equal(t, domain.PeerID("B"), *info.Presenter)

	cleared, err = s.ClearPresenter(ctx, "Alpha", "B")
	require.NoError(t, err)
	assert.True(t, cleared)

	assert.ErrorIs(t, s.SetPresenter(ctx, "Nowhere", "A"), ErrRoomNotFound)
}

func TestListSortedByName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Join(ctx, "Beta", "A", 2)
	_, _ = s.Join(ctx, "Alpha", "B", 2)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "Alpha", infos[0].Name)
	assert.Equal(t, "Beta", infos[1].Name)
}

func TestMissing(t *testing.T) {
	members := []domain.PeerID{"A", "B", "C", "D"}
	assert.Equal(t, []domain.PeerID{"C", "D"}, Missing(members, []domain.PeerID{"B"}, "A"))
	assert.Empty(t, Missing(members, []domain.PeerID{"B", "C", "D"}, "A"))
}

func TestLockerSerializesPerRoom(t *testing.T) {
	l := NewLocker()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("Alpha")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load())
	assert.Equal(t, 0, l.size())

	// Different rooms do not contend.
	unlockA := l.Lock("Alpha")
	unlockB := l.Lock("Beta")
	unlockA()
	unlockB()
}
