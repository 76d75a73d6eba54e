package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupDispatchEnv creates a dispatcher backed by miniredis and an
// in-memory queue store, with the given region priority map.
func setupDispatchEnv(t *testing.T, priorities map[string]int) (*Dispatcher, *fakeQueueStore, *storage.DispatchCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := storage.NewDispatchCache(storage.NewRedisCacheFromClient(client), 5*time.Minute, 30*time.Second, 2*time.Minute)

	path := filepath.Join(t.TempDir(), "priority_regions.json")
	data, err := json.Marshal(priorities)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	queues := newFakeQueueStore()
	index := NewPriorityIndex(cache, path)
	return NewDispatcher(queues, cache, index, 50), queues, cache, mr
}

func pendingEntry(id, surveyID, region string, createdAt time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		ID:        id,
		SurveyID:  surveyID,
		Name:      "Respondent " + id,
		Phone:     "+23480000000" + id,
		Region:    region,
		Status:    types.QueuePending,
		CreatedAt: createdAt,
	}
}

func TestDispatchNext_PriorityOrdering(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1, "South": 2})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// The South entry is older but North carries the better priority.
	queues.put(pendingEntry("1", "survey-1", "South", base))
	queues.put(pendingEntry("2", "survey-1", "North", base.Add(30*time.Minute)))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", entry.ID)
	assert.Equal(t, types.QueueAssigned, entry.Status)
	require.NotNil(t, entry.AssignedTo)
	assert.Equal(t, "int-1", *entry.AssignedTo)

	// Next dispatch falls through to the South entry.
	entry, err = d.DispatchNext(ctx, "survey-1", "int-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", entry.ID)
}

func TestDispatchNext_FIFOWithinRegion(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	queues.put(pendingEntry("older", "survey-1", "North", base))
	queues.put(pendingEntry("newer", "survey-1", "North", base.Add(time.Minute)))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "older", entry.ID)
}

func TestDispatchNext_EmptyQueue(t *testing.T) {
	d, _, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})

	entry, err := d.DispatchNext(context.Background(), "survey-1", "int-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingRespondents)
	assert.Nil(t, entry)
}

func TestDispatchNext_CachePointerHit(t *testing.T) {
	d, queues, cache, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()

	queues.put(pendingEntry("cached", "survey-1", "North", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, cache.SetCandidate(ctx, "survey-1", "north", 1, "cached"))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", entry.ID)

	// The consumed pointer must be evicted.
	_, found, err := cache.GetCandidate(ctx, "survey-1", "north", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDispatchNext_StaleCachePointerEvicted(t *testing.T) {
	d, queues, cache, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// The pointer references an entry that is no longer pending.
	stale := pendingEntry("stale", "survey-1", "North", base)
	stale.Status = types.QueueAssigned
	queues.put(stale)
	queues.put(pendingEntry("fresh", "survey-1", "North", base.Add(time.Minute)))
	require.NoError(t, cache.SetCandidate(ctx, "survey-1", "north", 1, "stale"))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", entry.ID)
}

func TestDispatchNext_ContentionRetriesOnce(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	queues.put(pendingEntry("first", "survey-1", "North", base))
	queues.put(pendingEntry("second", "survey-1", "North", base.Add(time.Minute)))

	// A competing interviewer wins the race for the first candidate.
	stolen := false
	queues.assignHook = func(id string) {
		if id == "first" && !stolen {
			stolen = true
			queues.assignHook = nil
			_, err := queues.AssignIfPending(ctx, "first", "rival")
			require.NoError(t, err)
		}
	}

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", entry.ID)
}

func TestDispatchNext_ContentionExhaustedReportsEmpty(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()

	queues.put(pendingEntry("only", "survey-1", "North", time.Now().UTC().Add(-time.Hour)))

	// The single candidate is always stolen before the claim.
	queues.assignHook = func(id string) {
		queues.mu.Lock()
		if entry, ok := queues.entries[id]; ok && entry.Status == types.QueuePending {
			rival := "rival"
			entry.Status = types.QueueAssigned
			entry.AssignedTo = &rival
		}
		queues.mu.Unlock()
	}

	_, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingRespondents)
}

func TestDispatchNext_AuthorizedRegionRestriction(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1, "South": 2})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	queues.put(pendingEntry("north", "survey-1", "North", base))
	queues.put(pendingEntry("south", "survey-1", "South", base))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", []string{"South"})
	require.NoError(t, err)
	assert.Equal(t, "south", entry.ID)
}

func TestDispatchNext_ExcludedRegionSkippedWhenUnrestricted(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"Quarantined": 0})
	ctx := context.Background()

	queues.put(pendingEntry("excluded", "survey-1", "Quarantined", time.Now().UTC().Add(-time.Hour)))

	_, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingRespondents)

	// An interviewer explicitly authorized for the region still gets it.
	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", []string{"Quarantined"})
	require.NoError(t, err)
	assert.Equal(t, "excluded", entry.ID)
}

func TestDispatchNext_UnmappedRegionServedByFallback(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Only an entry from a region absent from the priority map.
	queues.put(pendingEntry("plain", "survey-1", "Elsewhere", base))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", entry.ID)
}

func TestDispatchNext_CallLaterNotDueYet(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()

	entry := pendingEntry("later", "survey-1", "North", time.Now().UTC().Add(-time.Hour))
	future := time.Now().UTC().Add(time.Hour)
	entry.CallLaterAt = &future
	queues.put(entry)

	_, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingRespondents)
}

func TestDispatchNext_ParkedEntriesNotRedispatched(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()

	// Switched-off and not-reachable outcomes park the entry under a
	// named non-pending status; it must stay out of rotation until an
	// operator requeues it.
	for i, outcome := range []types.CallOutcome{types.OutcomeSwitchedOff, types.OutcomeNotReachable} {
		id := fmt.Sprintf("parked-%d", i)
		queues.put(pendingEntry(id, "survey-1", "North", time.Now().UTC().Add(-time.Hour)))

		effect, err := TransitionFor(outcome, TransitionInput{})
		require.NoError(t, err)
		applied, err := queues.ApplyTransition(ctx, id, effect)
		require.NoError(t, err)
		require.True(t, applied)
	}

	_, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingRespondents)
}

func TestDispatchNext_ConcurrentClaimsAreExclusive(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	const entryCount = 5
	const workers = 8
	for i := 0; i < entryCount; i++ {
		queues.put(pendingEntry(fmt.Sprintf("e%d", i), "survey-1", "North", base.Add(time.Duration(i)*time.Minute)))
	}

	var mu sync.Mutex
	winners := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			interviewer := fmt.Sprintf("int-%d", w)
			for {
				entry, err := d.DispatchNext(ctx, "survey-1", interviewer, nil)
				if err != nil {
					assert.ErrorIs(t, err, ErrNoPendingRespondents)
					return
				}
				if assert.NotNil(t, entry.AssignedTo) {
					assert.Equal(t, interviewer, *entry.AssignedTo)
				}

				mu.Lock()
				prev, taken := winners[entry.ID]
				winners[entry.ID] = interviewer
				mu.Unlock()
				if taken {
					t.Errorf("entry %s claimed by both %s and %s", entry.ID, prev, interviewer)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Every assignment in the store traces back to exactly one winner.
	assert.NotEmpty(t, winners)
	assigned := 0
	queues.mu.Lock()
	for id, entry := range queues.entries {
		if entry.Status != types.QueueAssigned {
			continue
		}
		assigned++
		if assert.Contains(t, winners, id) {
			assert.Equal(t, winners[id], *entry.AssignedTo)
		}
	}
	queues.mu.Unlock()
	assert.Equal(t, len(winners), assigned)
}

func TestDispatchNext_DemotedSortsBehindFresh(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	demoted := pendingEntry("demoted", "survey-1", "Anywhere", base)
	demoted.Priority = types.DemotedPriority
	queues.put(demoted)
	queues.put(pendingEntry("fresh", "survey-1", "Anywhere", base.Add(30*time.Minute)))

	entry, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", entry.ID)
}

func TestDispatchNext_SelectionDoesNotMutate(t *testing.T) {
	d, queues, _, _ := setupDispatchEnv(t, map[string]int{"North": 1})
	ctx := context.Background()

	queues.put(pendingEntry("only", "survey-1", "North", time.Now().UTC().Add(-time.Hour)))

	_, err := d.DispatchNext(ctx, "survey-1", "int-1", nil)
	require.NoError(t, err)

	// Exactly one entry changed state, and only through the claim.
	assigned := 0
	queues.mu.Lock()
	for _, entry := range queues.entries {
		if entry.Status == types.QueueAssigned {
			assigned++
		}
	}
	queues.mu.Unlock()
	assert.Equal(t, 1, assigned)
}
