package board

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aldersonek/crew/internal/taskstore"
)

func newBoard(t *testing.T) *Board {
	t.Helper()
	return New(taskstore.NewStore(t.TempDir()))
}

func TestCreate_AssignsSequentialIDs(t *testing.T) {
	b := newBoard(t)

	first, err := b.Create("t1", "write docs", "document the API", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, StatusOpen, first.Status)
	assert.Equal(t, 1, first.Version)

	second, err := b.Create("t1", "review docs", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ID)

	// Ids are per-team sequences.
	other, err := b.Create("t2", "unrelated", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.ID)
}

func TestCreate_NormalizesBlockedBy(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "later", "", []int{3, 1, 3, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, task.BlockedBy)
}

func TestCreate_Validation(t *testing.T) {
	b := newBoard(t)

	_, err := b.Create("", "subject", "", nil)
	assert.Error(t, err)

	_, err = b.Create("t1", "", "", nil)
	assert.Error(t, err)
}

func TestList_Filtering(t *testing.T) {
	b := newBoard(t)

	_, err := b.Create("t1", "a", "", nil)
	require.NoError(t, err)
	_, err = b.Create("t1", "b", "", nil)
	require.NoError(t, err)
	_, err = b.Claim("t1", 2, "alice", false)
	require.NoError(t, err)

	all, err := b.List("t1", Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := b.List("t1", Filter{Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].ID)

	mine, err := b.List("t1", Filter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 2, mine[0].ID)

	// Missing board file is an empty list, not an error.
	none, err := b.List("t-unknown", Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdate_VersionDiscipline(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	subject := "renamed"
	v1 := task.Version
	updated, err := b.Update("t1", task.ID, Patch{Subject: &subject}, &v1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Subject)
	assert.Equal(t, v1+1, updated.Version, "accepted write bumps version by exactly 1")

	// A stale expected version is rejected without applying anything.
	other := "should not apply"
	_, err = b.Update("t1", task.ID, Patch{Subject: &other}, &v1)
	require.ErrorIs(t, err, ErrVersionConflict)

	got, err := b.Get("t1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Subject, "rejected write must not mutate state")
	assert.Equal(t, v1+1, got.Version)
}

func TestUpdate_CompletedAtStamping(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	done := StatusCompleted
	updated, err := b.Update("t1", task.ID, Patch{Status: &done}, nil)
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)

	reopened := StatusOpen
	updated, err = b.Update("t1", task.ID, Patch{Status: &reopened}, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.CompletedAt, "leaving completed clears CompletedAt")
}

func TestUpdate_UnknownTask(t *testing.T) {
	b := newBoard(t)
	_, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	s := StatusOpen
	_, err = b.Update("t1", 99, Patch{Status: &s}, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClaim_Scenario(t *testing.T) {
	// create team "t1" -> create task "write docs" -> claim as "alice"
	// -> {in_progress, alice, version 2}; a second claim by "bob" fails
	// with an ownership conflict and leaves the task unchanged.
	b := newBoard(t)

	task, err := b.Create("t1", "write docs", "", nil)
	require.NoError(t, err)

	claimed, err := b.Claim("t1", task.ID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, claimed.Status)
	assert.Equal(t, "alice", claimed.Owner)
	assert.Equal(t, 2, claimed.Version)

	_, err = b.Claim("t1", task.ID, "bob", false)
	require.ErrorIs(t, err, ErrOwnershipConflict)

	got, err := b.Get("t1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestClaim_IdempotentReclaim(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	first, err := b.Claim("t1", task.ID, "alice", false)
	require.NoError(t, err)

	again, err := b.Claim("t1", task.ID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version, "re-claim by owner is a no-op")
	assert.Equal(t, "alice", again.Owner)
}

func TestClaim_BlockedRejected(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	blocked := StatusBlocked
	_, err = b.Update("t1", task.ID, Patch{Status: &blocked}, nil)
	require.NoError(t, err)

	_, err = b.Claim("t1", task.ID, "alice", false)
	assert.ErrorIs(t, err, ErrTaskBlocked)
}

func TestClaim_CompletedByOther(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)
	_, err = b.Claim("t1", task.ID, "alice", false)
	require.NoError(t, err)

	done := StatusCompleted
	_, err = b.Update("t1", task.ID, Patch{Status: &done}, nil)
	require.NoError(t, err)

	_, err = b.Claim("t1", task.ID, "bob", false)
	assert.ErrorIs(t, err, ErrOwnershipConflict)

	// An explicit override takes the task over.
	taken, err := b.Claim("t1", task.ID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, "bob", taken.Owner)
	assert.Equal(t, StatusInProgress, taken.Status)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "contested", "", nil)
	require.NoError(t, err)

	owners := []string{"alice", "bob"}
	results := make([]error, len(owners))

	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			_, results[i] = b.Claim("t1", task.ID, owner, false)
		}(i, owner)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrOwnershipConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, wins, "exactly one claim must succeed")
	assert.Equal(t, 1, conflicts)

	got, err := b.Get("t1", task.ID)
	require.NoError(t, err)
	winner := owners[0]
	if results[0] != nil {
		winner = owners[1]
	}
	assert.Equal(t, winner, got.Owner, "final owner matches the succeeding caller")
}

func TestVersion_StrictlyIncreases(t *testing.T) {
	b := newBoard(t)

	task, err := b.Create("t1", "subject", "", nil)
	require.NoError(t, err)

	last := task.Version
	for i := 0; i < 5; i++ {
		desc := "iteration"
		updated, err := b.Update("t1", task.ID, Patch{Description: &desc}, nil)
		require.NoError(t, err)
		assert.Equal(t, last+1, updated.Version)
		last = updated.Version
	}
}
