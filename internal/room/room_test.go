package room

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestNewRequiresNickname(t *testing.T) {
	_, err := New("ABC123", "h", "   ", t0)
	if !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("want ErrInvalidNickname, got %v", err)
	}
}

func TestJoinTransitions(t *testing.T) {
	r, err := New("ABC123", "h", "host", t0)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, r.Status)
	assert.True(t, r.Players["h"].IsHost)

	require.NoError(t, r.Join("g", "guest", t0.Add(time.Second)))
	assert.Equal(t, StatusReady, r.Status)
	assert.False(t, r.Players["g"].IsHost)

	err = r.Join("x", "third", t0.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrRoomFull)

	assert.ErrorIs(t, r.Join("g", "again", t0), ErrAlreadyMember)
	assert.ErrorIs(t, r.Join("y", "", t0), ErrInvalidNickname)
}

func TestJoinRejectedWhilePlaying(t *testing.T) {
	r, _ := New("ABC123", "h", "host", t0)
	r.MarkPlaying()
	assert.ErrorIs(t, r.Join("g", "guest", t0), ErrRoomFull)
}

func TestHostLeavePromotesRemainingPlayer(t *testing.T) {
	r, _ := New("ABC123", "h", "host", t0)
	require.NoError(t, r.Join("g", "guest", t0.Add(time.Second)))

	require.NoError(t, r.Leave("h"))
	assert.Equal(t, "g", r.HostID)
	assert.True(t, r.Players["g"].IsHost)
	assert.Equal(t, StatusWaiting, r.Status)

	hosts := 0
	for _, p := range r.Players {
		if p.IsHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)

	require.NoError(t, r.Leave("g"))
	assert.True(t, r.Empty())
	assert.Equal(t, "", r.HostID)
	assert.ErrorIs(t, r.Leave("g"), ErrNotMember)
}

func TestCanStart(t *testing.T) {
	r, _ := New("ABC123", "h", "host", t0)
	assert.ErrorIs(t, r.CanStart("h"), ErrNotEnoughPlayers)

	require.NoError(t, r.Join("g", "guest", t0))
	assert.ErrorIs(t, r.CanStart("g"), ErrUnauthorized)
	assert.NoError(t, r.CanStart("h"))

	r.MarkPlaying()
	assert.ErrorIs(t, r.CanStart("h"), ErrAlreadyPlaying)
}

func TestOrderedHostFirst(t *testing.T) {
	r, _ := New("ABC123", "h", "host", t0.Add(time.Minute))
	require.NoError(t, r.Join("g", "guest", t0))
	ordered := r.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "h", ordered[0].ID)
}

func TestCloneIsIndependent(t *testing.T) {
	r, _ := New("ABC123", "h", "host", t0)
	c := r.Clone()
	require.NoError(t, c.Join("g", "guest", t0))
	assert.Len(t, r.Players, 1)
}
