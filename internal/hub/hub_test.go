package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	sent []string
	fail bool
}

func (s *recordingSender) Send(cmd string, data interface{}) error {
	if s.fail {
		return fmt.Errorf("send failed")
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func TestRegisterAndEmitToUser(t *testing.T) {
	h := New()
	sender := &recordingSender{name: "alice-1"}
	guard := h.RegisterSession("sess1", "alice", "Alice", sender)
	defer guard.Release()

	require.NoError(t, h.Emit("welcome", nil, ToUser("alice")))
	assert.Equal(t, []string{"welcome"}, sender.sent)

	require.NoError(t, h.Emit("welcome", nil, ToUser("bob")))
	assert.Equal(t, []string{"welcome"}, sender.sent, "unrelated user should not receive it")
}

func TestGuardReleaseRemovesFromAllMaps(t *testing.T) {
	h := New()
	sender := &recordingSender{}
	guard := h.RegisterSession("sess1", "alice", "Alice", sender)
	mediaGuard := h.JoinMedia("sess1", "media1")

	guard.Release()
	mediaGuard.Release()

	h.mu.RLock()
	_, sessionExists := h.sessions["sess1"]
	_, userExists := h.byUser["alice"]
	_, mediaExists := h.byMedia["media1"]
	h.mu.RUnlock()

	assert.False(t, sessionExists)
	assert.False(t, userExists)
	assert.False(t, mediaExists)
}

func TestJoinCollabRejectsMismatchedMedia(t *testing.T) {
	h := New()
	sender1 := &recordingSender{}
	sender2 := &recordingSender{}
	h.RegisterSession("sess1", "alice", "Alice", sender1)
	h.RegisterSession("sess2", "bob", "Bob", sender2)

	_, err := h.JoinCollab("sess1", "collabA", "media1")
	require.NoError(t, err)

	_, err = h.JoinCollab("sess2", "collabA", "media2")
	assert.Error(t, err)
}

func TestJoinCollabAllowsSecondJoinerWithMatchingMedia(t *testing.T) {
	h := New()
	sender1 := &recordingSender{}
	sender2 := &recordingSender{}
	h.RegisterSession("sess1", "alice", "Alice", sender1)
	h.RegisterSession("sess2", "bob", "Bob", sender2)

	_, err := h.JoinCollab("sess1", "collabA", "media1")
	require.NoError(t, err)
	_, err = h.JoinCollab("sess2", "collabA", "media1")
	require.NoError(t, err)

	require.NoError(t, h.Emit("collab_event", nil, ToCollab("collabA")))
	assert.Len(t, sender1.sent, 1)
	assert.Len(t, sender2.sent, 1)
}

func TestCollabIdIsReusableAfterAllMembersLeave(t *testing.T) {
	h := New()
	sender1 := &recordingSender{}
	h.RegisterSession("sess1", "alice", "Alice", sender1)

	collabGuard, err := h.JoinCollab("sess1", "collabA", "media1")
	require.NoError(t, err)
	collabGuard.Release()

	// GC sweep runs on the next join; collabA should be free to re-bind to
	// a different media now that its sender list is empty.
	_, err = h.JoinCollab("sess1", "collabA", "media2")
	assert.NoError(t, err)
}

func TestEmitAbortsOnSendFailure(t *testing.T) {
	h := New()
	sender := &recordingSender{fail: true}
	h.RegisterSession("sess1", "alice", "Alice", sender)

	err := h.Emit("welcome", nil, ToUser("alice"))
	assert.Error(t, err)
}
