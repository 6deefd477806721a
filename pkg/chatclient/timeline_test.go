package chatclient

import (
	"errors"
	"testing"
	"time"

	"community_chat/internal/chat/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTimeline() *Timeline {
	return NewTimeline("alice", 5*time.Second, 10*time.Second)
}

func confirmed(id, author, body string, at time.Time) domain.Message {
	return domain.Message{ID: id, ChannelID: "c1", AuthorID: author, Body: body, Kind: domain.MessageText, CreatedAt: at.UnixMilli()}
}

func bodies(tl *Timeline) []string {
	var out []string
	for _, e := range tl.Entries() {
		out = append(out, e.Message.Body)
	}
	return out
}

func TestEchoThenConfirmShowsOnce(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "hello", t0)
	assert.Equal(t, StatePending, echo.State)
	assert.Equal(t, tempIDPrefix+echo.Message.ClientID, echo.Message.ID)

	msg := confirmed("m1", "alice", "hello", t0.Add(300*time.Millisecond))
	msg.ClientID = echo.Message.ClientID
	assert.Equal(t, Reconciled, tl.Apply(msg))
	// 廣播與 ack 都會帶回同一則
	assert.Equal(t, Duplicate, tl.Apply(msg))

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, StateConfirmed, entries[0].State)
	assert.Zero(t, tl.Pending())
}

func TestReconcileKeepsPosition(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "first", t0)
	assert.Equal(t, Appended, tl.Apply(confirmed("m-b", "bob", "from bob", t0.Add(time.Second))))

	msg := confirmed("m-a", "alice", "first", t0.Add(2*time.Second))
	msg.ClientID = echo.Message.ClientID
	tl.Apply(msg)

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "m-a", entries[0].Message.ID)
	assert.Equal(t, "m-b", entries[1].Message.ID)
}

func TestBroadcastBeforeAck(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "hello", t0)

	// 無 client id 的廣播以 author+body+時間 對上
	assert.Equal(t, Reconciled, tl.Apply(confirmed("m1", "alice", "hello", t0.Add(time.Second))))

	ack := confirmed("m1", "alice", "hello", t0.Add(time.Second))
	ack.ClientID = echo.Message.ClientID
	assert.Equal(t, Duplicate, tl.Apply(ack))
	assert.Equal(t, []string{"hello"}, bodies(tl))
}

func TestConfirmAfterCopyAlreadyListedDropsEcho(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "hello", t0)
	// history merge brought the server copy in without a client id and outside tolerance
	tl.Merge([]domain.Message{confirmed("m1", "alice", "hello", t0.Add(time.Minute))})
	require.Len(t, tl.Entries(), 2)

	ack := confirmed("m1", "alice", "hello", t0.Add(time.Minute))
	ack.ClientID = echo.Message.ClientID
	assert.Equal(t, Duplicate, tl.Apply(ack))

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Zero(t, tl.Pending())
}

func TestHeuristicBounds(t *testing.T) {
	t.Run("other author never matches", func(t *testing.T) {
		tl := newTestTimeline()
		tl.Submit("c1", "hi", t0)
		assert.Equal(t, Appended, tl.Apply(confirmed("m1", "bob", "hi", t0)))
		assert.Equal(t, 1, tl.Pending())
	})

	t.Run("different body never matches", func(t *testing.T) {
		tl := newTestTimeline()
		tl.Submit("c1", "hi", t0)
		assert.Equal(t, Appended, tl.Apply(confirmed("m1", "alice", "hi!", t0)))
	})

	t.Run("outside tolerance appends", func(t *testing.T) {
		tl := newTestTimeline()
		tl.Submit("c1", "hi", t0)
		assert.Equal(t, Appended, tl.Apply(confirmed("m1", "alice", "hi", t0.Add(6*time.Second))))
		assert.Equal(t, 1, tl.Pending())
	})

	t.Run("oldest matching echo first", func(t *testing.T) {
		tl := newTestTimeline()
		first := tl.Submit("c1", "ok", t0)
		tl.Submit("c1", "ok", t0.Add(time.Second))
		tl.Apply(confirmed("m1", "alice", "ok", t0.Add(time.Second)))

		entries := tl.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "m1", entries[0].Message.ID)
		assert.Equal(t, StatePending, entries[1].State)
		assert.NotEqual(t, first.Message.ClientID, entries[1].Message.ClientID)
	})
}

func TestDuplicateIDIgnored(t *testing.T) {
	tl := newTestTimeline()
	msg := confirmed("m1", "bob", "yo", t0)
	assert.Equal(t, Appended, tl.Apply(msg))
	assert.Equal(t, Duplicate, tl.Apply(msg))
	assert.Len(t, tl.Entries(), 1)
}

func TestFailDiscardAndLateConfirm(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "spam", t0)
	rejected := errors.New("rate limited")

	assert.True(t, tl.Fail(echo.Message.ClientID, rejected))
	assert.False(t, tl.Fail(echo.Message.ClientID, rejected))
	assert.False(t, tl.Fail("unknown", rejected))

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateFailed, entries[0].State)
	assert.ErrorIs(t, entries[0].Err, rejected)

	assert.True(t, tl.Discard(echo.Message.ClientID))
	assert.Empty(t, tl.Entries())
	assert.False(t, tl.Discard(echo.Message.ClientID))
}

func TestFailedEchoRecoveredByHeuristic(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "slow", t0)
	assert.Equal(t, []string{echo.Message.ClientID}, tl.Expire(t0.Add(10*time.Second)))

	// ack timed out but the server did store it
	assert.Equal(t, Reconciled, tl.Apply(confirmed("m1", "alice", "slow", t0.Add(4*time.Second))))
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateConfirmed, entries[0].State)
	assert.NoError(t, entries[0].Err)
}

func TestExpire(t *testing.T) {
	tl := newTestTimeline()
	old := tl.Submit("c1", "old", t0)
	tl.Submit("c1", "new", t0.Add(5*time.Second))

	assert.Empty(t, tl.Expire(t0.Add(9*time.Second)))
	assert.Equal(t, []string{old.Message.ClientID}, tl.Expire(t0.Add(10*time.Second)))

	entries := tl.Entries()
	assert.Equal(t, StateFailed, entries[0].State)
	assert.ErrorIs(t, entries[0].Err, ErrAckTimeout)
	assert.Equal(t, StatePending, entries[1].State)
	assert.Equal(t, 1, tl.Pending())
}

func TestMergeOrdersHistory(t *testing.T) {
	tl := newTestTimeline()
	tl.Apply(confirmed("m2", "bob", "two", t0.Add(2*time.Second)))
	tl.Submit("c1", "draft", t0.Add(time.Hour))

	edited := confirmed("m2", "bob", "two (edited)", t0.Add(2*time.Second))
	added := tl.Merge([]domain.Message{
		confirmed("m1", "bob", "one", t0.Add(time.Second)),
		edited,
		confirmed("m3", "bob", "three", t0.Add(3*time.Second)),
	})

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"one", "two (edited)", "three", "draft"}, bodies(tl))
}

func TestUpdateAndReactions(t *testing.T) {
	tl := newTestTimeline()
	tl.Apply(confirmed("m1", "bob", "hey", t0))

	deleted := confirmed("m1", "bob", domain.Tombstone, t0)
	deleted.Deleted = true
	assert.True(t, tl.Update(deleted))
	assert.False(t, tl.Update(confirmed("missing", "bob", "x", t0)))

	assert.True(t, tl.SetReactions("m1", map[string][]string{"👍": {"alice"}}))
	assert.False(t, tl.SetReactions("missing", nil))

	e := tl.Entries()[0]
	assert.True(t, e.Message.Deleted)
	assert.Equal(t, domain.Tombstone, e.Message.Body)
	assert.Equal(t, []string{"alice"}, e.Message.Reactions["👍"])
}

func TestLateConfirmReplacesFailedEcho(t *testing.T) {
	t.Run("apply", func(t *testing.T) {
		tl := newTestTimeline()
		echo := tl.Submit("c1", "slow", t0)
		require.Len(t, tl.Expire(t0.Add(10*time.Second)), 1)

		// server time is outside tolerance, the client id still matches
		msg := confirmed("m1", "alice", "slow", t0.Add(6*time.Second))
		msg.ClientID = echo.Message.ClientID
		assert.Equal(t, Reconciled, tl.Apply(msg))

		entries := tl.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "m1", entries[0].Message.ID)
		assert.Equal(t, StateConfirmed, entries[0].State)
		assert.False(t, tl.Discard(echo.Message.ClientID))
	})

	t.Run("merge", func(t *testing.T) {
		tl := newTestTimeline()
		echo := tl.Submit("c1", "slow", t0)
		require.True(t, tl.Fail(echo.Message.ClientID, errors.New("timeout")))

		msg := confirmed("m1", "alice", "slow", t0.Add(6*time.Second))
		msg.ClientID = echo.Message.ClientID
		assert.Zero(t, tl.Merge([]domain.Message{msg}))

		entries := tl.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "m1", entries[0].Message.ID)
		assert.Equal(t, StateConfirmed, entries[0].State)
	})

	t.Run("merge after the copy was listed", func(t *testing.T) {
		tl := newTestTimeline()
		echo := tl.Submit("c1", "slow", t0)
		tl.Fail(echo.Message.ClientID, errors.New("timeout"))
		tl.Apply(confirmed("m1", "alice", "slow", t0.Add(time.Minute)))
		require.Len(t, tl.Entries(), 2)

		msg := confirmed("m1", "alice", "slow", t0.Add(time.Minute))
		msg.ClientID = echo.Message.ClientID
		tl.Merge([]domain.Message{msg})

		entries := tl.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, echo.Message.ClientID, entries[0].Message.ClientID)
	})
}

func TestHeuristicSkipsOtherDevice(t *testing.T) {
	tl := newTestTimeline()
	echo := tl.Submit("c1", "ok", t0)

	// same user, same body, sent from another device
	other := confirmed("m-other", "alice", "ok", t0.Add(time.Second))
	other.ClientID = "another-device"
	assert.Equal(t, Appended, tl.Apply(other))

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, echo.Message.ID, entries[0].Message.ID)
	assert.Equal(t, StatePending, entries[0].State)
	assert.Equal(t, "m-other", entries[1].Message.ID)
}
