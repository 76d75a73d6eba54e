package service

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/storage"
)

// PriorityIndex resolves region names to dispatch priorities. The
// source of truth is a static JSON document mapping region name to an
// integer; 1 is the highest priority and 0 means the region is
// excluded from priority dispatch and never demoted further. The
// loaded map is cached under a fixed distributed-cache key so
// concurrent dispatchers share one copy.
type PriorityIndex struct {
	cache *storage.DispatchCache
	path  string
}

// NewPriorityIndex creates a new priority index
func NewPriorityIndex(cache *storage.DispatchCache, path string) *PriorityIndex {
	return &PriorityIndex{cache: cache, path: path}
}

// Load returns the full region priority map with original keys. A
// cache failure falls back to the document; a document failure
// degrades to an empty map, which disables priority dispatch without
// failing the request.
func (p *PriorityIndex) Load(ctx context.Context) map[string]int {
	logger := logging.FromContext(ctx)

	if m, found, err := p.cache.GetPriorityMap(ctx); err != nil {
		logger.WithError(err).Warn("Priority map cache read failed, falling back to document")
	} else if found {
		return m
	}

	m, err := p.loadDocument()
	if err != nil {
		logger.WithError(err).WithField("path", p.path).Warn("Priority map unavailable, priority dispatch disabled")
		return map[string]int{}
	}

	if err := p.cache.SetPriorityMap(ctx, m); err != nil {
		logger.WithError(err).Warn("Failed to cache priority map")
	}

	return m
}

// PriorityOf resolves the priority for a region. Exact match is
// attempted before the case/whitespace-normalized match.
func (p *PriorityIndex) PriorityOf(ctx context.Context, region string) (int, bool) {
	m := p.Load(ctx)

	if priority, ok := m[region]; ok {
		return priority, true
	}

	normalized := NormalizeRegion(region)
	for name, priority := range m {
		if NormalizeRegion(name) == normalized {
			return priority, true
		}
	}

	return 0, false
}

// NormalizedMap returns the priority map keyed by normalized region name.
func (p *PriorityIndex) NormalizedMap(ctx context.Context) map[string]int {
	m := p.Load(ctx)

	normalized := make(map[string]int, len(m))
	for name, priority := range m {
		normalized[NormalizeRegion(name)] = priority
	}
	return normalized
}

func (p *PriorityIndex) loadDocument() (map[string]int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}

	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// NormalizeRegion lowercases and trims a region name for comparison.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
