package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
)

// ErrNoPendingRespondents reports a legitimately empty queue. It is a
// normal outcome, not a failure.
var ErrNoPendingRespondents = errors.New("no pending respondents")

// Dispatcher hands out the next eligible queue entry and converts the
// selection into an exclusive assignment. Selection never mutates
// state; the only mutation is the conditional claim, and every cache
// hit is re-validated against the store before being trusted.
type Dispatcher struct {
	queues     QueueStore
	cache      *storage.DispatchCache
	priorities *PriorityIndex
	batch      int
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(queues QueueStore, cache *storage.DispatchCache, priorities *PriorityIndex, candidateBatch int) *Dispatcher {
	if candidateBatch <= 0 {
		candidateBatch = 50
	}
	return &Dispatcher{
		queues:     queues,
		cache:      cache,
		priorities: priorities,
		batch:      candidateBatch,
	}
}

// DispatchNext selects and atomically claims the next eligible entry
// for the interviewer. A lost claim race is retried exactly once with
// the lost candidate excluded; a second loss reports an empty queue
// rather than looping under contention.
func (d *Dispatcher) DispatchNext(ctx context.Context, surveyID, interviewerID string, authorizedRegions []string) (*models.QueueEntry, error) {
	logger := logging.FromContext(ctx)

	var exclude []string
	for attempt := 0; attempt < 2; attempt++ {
		candidate, err := d.selectCandidate(ctx, surveyID, authorizedRegions, exclude)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, ErrNoPendingRespondents
		}

		claimed, err := d.queues.AssignIfPending(ctx, candidate.ID, interviewerID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue entry: %w", err)
		}

		if !claimed {
			// Another interviewer won the race. Drop any pointer at
			// the consumed candidate and retry once without it.
			logger.WithFields(map[string]interface{}{
				"queueEntryId": candidate.ID,
				"surveyId":     surveyID,
			}).Debug("Lost assignment race, retrying selection once")
			d.evictCandidatePointer(ctx, candidate)
			exclude = append(exclude, candidate.ID)
			continue
		}

		// The pointer now references an assigned entry; evict it so
		// the next dispatch does not waste a validation round-trip.
		d.evictCandidatePointer(ctx, candidate)

		assigned, err := d.queues.GetByID(ctx, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload assigned entry: %w", err)
		}
		return assigned, nil
	}

	return nil, ErrNoPendingRespondents
}

// priorityTier groups the regions sharing one priority number.
type priorityTier struct {
	priority int
	regions  []string
}

// selectCandidate narrows the queue to one eligible entry without
// mutating anything.
func (d *Dispatcher) selectCandidate(ctx context.Context, surveyID string, authorizedRegions []string, exclude []string) (*models.QueueEntry, error) {
	priorityMap := d.priorities.NormalizedMap(ctx)
	tiers := buildTiers(priorityMap, authorizedRegions)

	// Cache-assisted short-circuit, best priority first.
	for _, tier := range tiers {
		for _, region := range tier.regions {
			entry, ok := d.probeCandidatePointer(ctx, surveyID, region, tier.priority, exclude)
			if ok {
				return entry, nil
			}
		}
	}

	// One combined query across every candidate region; the winner is
	// the entry whose region carries the best priority number.
	if len(tiers) > 0 {
		var regions []string
		for _, tier := range tiers {
			regions = append(regions, tier.regions...)
		}

		candidates, err := d.queues.SelectCandidates(ctx, surveyID, regions, exclude, d.batch)
		if err != nil {
			return nil, fmt.Errorf("failed to query candidates: %w", err)
		}

		if winner := pickBestPriority(candidates, priorityMap); winner != nil {
			d.cacheCandidatePointer(ctx, surveyID, winner, priorityMap)
			return winner, nil
		}
	}

	return d.fallbackCandidate(ctx, surveyID, authorizedRegions, priorityMap, exclude)
}

// probeCandidatePointer checks the next-candidate cache for one
// (survey, region, priority) key. The pointed entry is only trusted
// after re-validation against the store; stale pointers are evicted.
func (d *Dispatcher) probeCandidatePointer(ctx context.Context, surveyID, region string, priority int, exclude []string) (*models.QueueEntry, bool) {
	logger := logging.FromContext(ctx)

	id, found, err := d.cache.GetCandidate(ctx, surveyID, region, priority)
	if err != nil {
		logger.WithError(err).Warn("Candidate cache read failed, falling back to store")
		return nil, false
	}
	if !found {
		return nil, false
	}

	for _, excluded := range exclude {
		if id == excluded {
			return nil, false
		}
	}

	entry, err := d.queues.GetByID(ctx, id)
	if err == nil && entry.Status == types.QueuePending && NormalizeRegion(entry.Region) == region {
		return entry, true
	}

	if err := d.cache.InvalidateCandidate(ctx, surveyID, region, priority); err != nil {
		logger.WithError(err).Warn("Failed to evict stale candidate pointer")
	}
	return nil, false
}

func (d *Dispatcher) cacheCandidatePointer(ctx context.Context, surveyID string, entry *models.QueueEntry, priorityMap map[string]int) {
	region := NormalizeRegion(entry.Region)
	priority, ok := priorityMap[region]
	if !ok {
		return
	}
	if err := d.cache.SetCandidate(ctx, surveyID, region, priority, entry.ID); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to cache candidate pointer")
	}
}

func (d *Dispatcher) evictCandidatePointer(ctx context.Context, entry *models.QueueEntry) {
	region := NormalizeRegion(entry.Region)
	priority, ok := d.priorities.NormalizedMap(ctx)[region]
	if !ok {
		return
	}
	if err := d.cache.InvalidateCandidate(ctx, entry.SurveyID, region, priority); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to evict candidate pointer")
	}
}

// fallbackCandidate serves entries outside the priority tiers: any
// pending entry within the authorized regions, or, when unrestricted,
// any pending entry outside the excluded (priority-0) regions.
func (d *Dispatcher) fallbackCandidate(ctx context.Context, surveyID string, authorizedRegions []string, priorityMap map[string]int, exclude []string) (*models.QueueEntry, error) {
	if len(authorizedRegions) > 0 {
		regions := make([]string, 0, len(authorizedRegions))
		for _, r := range authorizedRegions {
			regions = append(regions, NormalizeRegion(r))
		}

		entry, err := d.queues.FirstPendingInRegions(ctx, surveyID, regions, exclude)
		if err != nil {
			return nil, fmt.Errorf("failed to query fallback candidate: %w", err)
		}
		return entry, nil
	}

	var excludedRegions []string
	for region, priority := range priorityMap {
		if priority == types.ExcludedPriority {
			excludedRegions = append(excludedRegions, region)
		}
	}

	entry, err := d.queues.FirstPendingExcludingRegions(ctx, surveyID, excludedRegions, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback candidate: %w", err)
	}
	return entry, nil
}

// buildTiers restricts the priority map to the authorized regions (if
// any), drops excluded regions, and groups the rest ascending by
// priority. Authorized regions absent from the map are deferred to the
// fallback step, which spans the whole authorized set.
func buildTiers(priorityMap map[string]int, authorizedRegions []string) []priorityTier {
	restricted := priorityMap

	if len(authorizedRegions) > 0 {
		restricted = make(map[string]int, len(authorizedRegions))
		for _, region := range authorizedRegions {
			normalized := NormalizeRegion(region)
			if priority, ok := priorityMap[normalized]; ok {
				restricted[normalized] = priority
			}
		}
	}

	byPriority := make(map[int][]string)
	for region, priority := range restricted {
		if priority <= types.ExcludedPriority {
			continue
		}
		byPriority[priority] = append(byPriority[priority], region)
	}

	priorities := make([]int, 0, len(byPriority))
	for priority := range byPriority {
		priorities = append(priorities, priority)
	}
	sort.Ints(priorities)

	tiers := make([]priorityTier, 0, len(priorities))
	for _, priority := range priorities {
		regions := byPriority[priority]
		sort.Strings(regions)
		tiers = append(tiers, priorityTier{priority: priority, regions: regions})
	}

	return tiers
}

// pickBestPriority returns the candidate whose region carries the
// lowest priority number, preserving FIFO order within a tie.
func pickBestPriority(candidates []*models.QueueEntry, priorityMap map[string]int) *models.QueueEntry {
	var winner *models.QueueEntry
	winnerPriority := 0

	for _, candidate := range candidates {
		priority, ok := priorityMap[NormalizeRegion(candidate.Region)]
		if !ok || priority <= types.ExcludedPriority {
			continue
		}
		if winner == nil || priority < winnerPriority {
			winner = candidate
			winnerPriority = priority
		}
	}

	return winner
}
