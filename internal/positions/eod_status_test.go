package positions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

func newEodRepo(t *testing.T) (*EodStatusRepository, func()) {
	t.Helper()
	db, cleanup := fxtesting.NewTestDB(t, "positions")
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return NewEodStatusRepository(db.Conn(), log), cleanup
}

func TestEodStatusTransitions(t *testing.T) {
	repo, cleanup := newEodRepo(t)
	defer cleanup()

	const account = int64(1001)
	const date = "2026-07-31"

	t.Run("absent row starts in progress", func(t *testing.T) {
		require.NoError(t, repo.Transition(account, date, domain.EodInProgress, 0, ""))
		st, err := repo.Get(account, date)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, domain.EodInProgress, st.Status)
		assert.Equal(t, 1, st.Attempts)
	})

	t.Run("in progress completes", func(t *testing.T) {
		require.NoError(t, repo.Transition(account, date, domain.EodCompleted, 3, ""))
		st, err := repo.Get(account, date)
		require.NoError(t, err)
		assert.Equal(t, domain.EodCompleted, st.Status)
		assert.Equal(t, 3, st.PositionCount)
		assert.NotNil(t, st.CompletedAt)
	})

	t.Run("completed is terminal", func(t *testing.T) {
		err := repo.Transition(account, date, domain.EodInProgress, 0, "")
		require.Error(t, err)
		assert.Equal(t, domain.CodeValidationFailed, domain.CodeOf(err))
	})

	t.Run("failed retries back to in progress", func(t *testing.T) {
		other := int64(1002)
		require.NoError(t, repo.Transition(other, date, domain.EodInProgress, 0, ""))
		require.NoError(t, repo.Transition(other, date, domain.EodFailed, 0, "upstream timeout"))
		require.NoError(t, repo.Transition(other, date, domain.EodInProgress, 0, ""))

		st, err := repo.Get(other, date)
		require.NoError(t, err)
		assert.Equal(t, domain.EodInProgress, st.Status)
		assert.Equal(t, 2, st.Attempts)
	})
}

func TestSignoffExactlyOnce(t *testing.T) {
	repo, cleanup := newEodRepo(t)
	defer cleanup()

	created, err := repo.RecordSignoff(7, "2026-07-31", 4)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.RecordSignoff(7, "2026-07-31", 4)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestListNonCompleted(t *testing.T) {
	repo, cleanup := newEodRepo(t)
	defer cleanup()

	require.NoError(t, repo.Transition(1, "2026-07-31", domain.EodInProgress, 0, ""))
	require.NoError(t, repo.Transition(2, "2026-07-31", domain.EodInProgress, 0, ""))
	require.NoError(t, repo.Transition(2, "2026-07-31", domain.EodCompleted, 1, ""))

	accounts, err := repo.ListNonCompleted("2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, accounts)
}
