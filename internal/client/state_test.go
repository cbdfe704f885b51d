package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sockrelay/chat/internal/chat"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	s := NewStore()
	var seen []int
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st.ConnectedUsersCount) })

	s.Update(func(st *State) { st.ConnectedUsersCount = 1 })
	s.Update(func(st *State) { st.ConnectedUsersCount = 2 })
	unsubscribe()
	unsubscribe()
	s.Update(func(st *State) { st.ConnectedUsersCount = 3 })

	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 3, s.Snapshot().ConnectedUsersCount)
}

func TestSnapshotIsIsolated(t *testing.T) {
	s := NewStore()
	s.Update(func(st *State) { st.Messages = append(st.Messages, chat.Message{ID: "1"}) })

	snap := s.Snapshot()
	snap.Messages[0].ID = "mutated"
	snap.Messages = append(snap.Messages, chat.Message{ID: "2"})

	again := s.Snapshot()
	assert.Len(t, again.Messages, 1)
	assert.Equal(t, "1", again.Messages[0].ID)
}

func TestUpdateIfAbandonedChangeIsSilent(t *testing.T) {
	s := NewStore()
	notified := 0
	s.Subscribe(func(State) { notified++ })

	applied := s.UpdateIf(func(st *State) bool { return false })
	assert.False(t, applied)
	assert.Equal(t, 0, notified)

	applied = s.UpdateIf(func(st *State) bool {
		st.Status = StatusConnecting
		return true
	})
	assert.True(t, applied)
	assert.Equal(t, 1, notified)
	assert.Equal(t, StatusConnecting, s.Snapshot().Status)
}
