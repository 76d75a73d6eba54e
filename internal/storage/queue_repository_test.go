package storage

import (
	"testing"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupQueueRepo connects to the dev database; integration tests are
// skipped in short mode or when Postgres is unreachable.
func setupQueueRepo(t *testing.T) *QueueRepository {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	return NewQueueRepository(db)
}

func testQueueEntry(surveyID string) *models.QueueEntry {
	return &models.QueueEntry{
		ID:        uuid.NewString(),
		SurveyID:  surveyID,
		Name:      "Test Respondent",
		Phone:     "+234" + uuid.NewString()[:10],
		Region:    "Kano",
		Status:    types.QueuePending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueueRepository_AssignIfPending(t *testing.T) {
	repo := setupQueueRepo(t)
	ctx := testContext(t)

	entry := testQueueEntry("it-survey-" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, entry))

	claimed, err := repo.AssignIfPending(ctx, entry.ID, "int-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// The second claim must lose: the row is no longer pending.
	claimed, err = repo.AssignIfPending(ctx, entry.ID, "int-2")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueAssigned, got.Status)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, "int-1", *got.AssignedTo)
}

func TestQueueRepository_ApplyTransition_TerminalGuard(t *testing.T) {
	repo := setupQueueRepo(t)
	ctx := testContext(t)

	entry := testQueueEntry("it-survey-" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, entry))

	applied, err := repo.ApplyTransition(ctx, entry.ID, TransitionEffect{
		NextStatus: types.QueueInterviewSuccess,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Terminal rows refuse further transitions at the SQL layer.
	applied, err = repo.ApplyTransition(ctx, entry.ID, TransitionEffect{
		NextStatus: types.QueuePending,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueInterviewSuccess, got.Status)
}

func TestQueueRepository_ApplyTransition_DemoteAndRequeue(t *testing.T) {
	repo := setupQueueRepo(t)
	ctx := testContext(t)

	entry := testQueueEntry("it-survey-" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, entry))

	claimed, err := repo.AssignIfPending(ctx, entry.ID, "int-1")
	require.NoError(t, err)
	require.True(t, claimed)

	applied, err := repo.ApplyTransition(ctx, entry.ID, TransitionEffect{
		NextStatus:      types.QueuePending,
		Demote:          true,
		RefreshPosition: true,
		Unassign:        true,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueuePending, got.Status)
	assert.Equal(t, types.DemotedPriority, got.Priority)
	assert.Nil(t, got.AssignedTo)
	assert.True(t, got.CreatedAt.After(entry.CreatedAt))
}

func TestQueueRepository_BulkCreateSkipsConflicts(t *testing.T) {
	repo := setupQueueRepo(t)
	ctx := testContext(t)

	surveyID := "it-survey-" + uuid.NewString()
	first := testQueueEntry(surveyID)
	require.NoError(t, repo.Create(ctx, first))

	duplicate := testQueueEntry(surveyID)
	duplicate.Phone = first.Phone
	fresh := testQueueEntry(surveyID)

	inserted, err := repo.BulkCreate(ctx, []*models.QueueEntry{duplicate, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestQueueRepository_AppendCallAttempt(t *testing.T) {
	repo := setupQueueRepo(t)
	ctx := testContext(t)

	entry := testQueueEntry("it-survey-" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, entry))

	for i := 0; i < 2; i++ {
		err := repo.AppendCallAttempt(ctx, &models.CallAttempt{
			ID:           uuid.NewString(),
			QueueEntryID: entry.ID,
			AttemptedAt:  time.Now().UTC(),
			AttemptedBy:  "int-1",
			Outcome:      types.OutcomeNoAnswer,
		})
		require.NoError(t, err)
	}

	attempts, err := repo.ListCallAttempts(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}
