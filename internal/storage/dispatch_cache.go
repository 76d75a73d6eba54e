package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchCache provides the derived, reconstructable cache entries the
// dispatcher relies on: the region priority map, next-candidate
// pointers, and the session-token completion cache. Every entry is
// advisory; losing the cache only costs extra store reads.
type DispatchCache struct {
	redis        *RedisCache
	priorityTTL  time.Duration
	candidateTTL time.Duration
	sessionTTL   time.Duration
}

// NewDispatchCache creates a new dispatch cache
func NewDispatchCache(redis *RedisCache, priorityTTL, candidateTTL, sessionTTL time.Duration) *DispatchCache {
	return &DispatchCache{
		redis:        redis,
		priorityTTL:  priorityTTL,
		candidateTTL: candidateTTL,
		sessionTTL:   sessionTTL,
	}
}

// priorityMapKey is the fixed key holding the region priority map.
const priorityMapKey = "dispatch:priority_map"

// CandidateKey generates the next-candidate pointer key for a
// (survey, region, priority) combination.
// Format: dispatch:next:<survey>:<region>:<priority>
func CandidateKey(surveyID, region string, priority int) string {
	return fmt.Sprintf("dispatch:next:%s:%s:%d", strings.ToLower(surveyID), strings.ToLower(region), priority)
}

// SessionKey generates the completion fast-cache key for a session token.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("completion:session:%s", sessionID)
}

// GetPriorityMap retrieves the cached region priority map. A miss or a
// cache failure returns found=false so the caller reloads from the
// source document.
func (c *DispatchCache) GetPriorityMap(ctx context.Context) (map[string]int, bool, error) {
	data, err := c.redis.Get(ctx, priorityMapKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get priority map from cache: %w", err)
	}

	var m map[string]int
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached priority map: %w", err)
	}

	return m, true, nil
}

// SetPriorityMap caches the region priority map under the fixed key.
func (c *DispatchCache) SetPriorityMap(ctx context.Context, m map[string]int) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal priority map: %w", err)
	}
	return c.redis.Set(ctx, priorityMapKey, data, c.priorityTTL)
}

// InvalidatePriorityMap drops the cached priority map.
func (c *DispatchCache) InvalidatePriorityMap(ctx context.Context) error {
	return c.redis.Del(ctx, priorityMapKey)
}

// GetCandidate retrieves a cached next-candidate entry id.
func (c *DispatchCache) GetCandidate(ctx context.Context, surveyID, region string, priority int) (string, bool, error) {
	id, err := c.redis.Get(ctx, CandidateKey(surveyID, region, priority))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get candidate from cache: %w", err)
	}
	return id, true, nil
}

// SetCandidate caches a next-candidate entry id.
func (c *DispatchCache) SetCandidate(ctx context.Context, surveyID, region string, priority int, entryID string) error {
	return c.redis.Set(ctx, CandidateKey(surveyID, region, priority), entryID, c.candidateTTL)
}

// InvalidateCandidate drops a next-candidate pointer.
func (c *DispatchCache) InvalidateCandidate(ctx context.Context, surveyID, region string, priority int) error {
	return c.redis.Del(ctx, CandidateKey(surveyID, region, priority))
}

// GetSessionResponse retrieves the response token recorded for a
// session, absorbing rapid-fire completion retries.
func (c *DispatchCache) GetSessionResponse(ctx context.Context, sessionID string) (string, bool, error) {
	token, err := c.redis.Get(ctx, SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get session from cache: %w", err)
	}
	return token, true, nil
}

// SetSessionResponse records the response token handled for a session.
func (c *DispatchCache) SetSessionResponse(ctx context.Context, sessionID, responseToken string) error {
	return c.redis.Set(ctx, SessionKey(sessionID), responseToken, c.sessionTTL)
}
