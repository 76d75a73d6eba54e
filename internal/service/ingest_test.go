package service

import (
	"context"
	"testing"
	"time"

	"github.com/cati-dispatcher/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopInvalidator struct{ calls int }

func (n *noopInvalidator) InvalidatePriorityMap(ctx context.Context) error {
	n.calls++
	return nil
}

func TestSeedQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts normalized pending entries", func(t *testing.T) {
		queues := newFakeQueueStore()
		cache := &noopInvalidator{}
		ing := NewIngestor(queues, cache)

		report, err := ing.SeedQueue(ctx, "survey-1", []types.RespondentContact{
			{Name: " Ada ", Phone: "0803 555 0101", Region: " Kano "},
			{Name: "Bode", Phone: "+234 (803) 555-0102", Region: "Lagos"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Received)
		assert.Equal(t, 2, report.Inserted)
		assert.Zero(t, report.Duplicates)
		assert.Zero(t, report.Invalid)
		assert.Equal(t, 1, cache.calls)

		for _, entry := range queues.entries {
			assert.Equal(t, types.QueuePending, entry.Status)
			assert.NotEmpty(t, entry.ID)
			assert.NotContains(t, entry.Phone, " ")
		}
	})

	t.Run("deduplicates within the batch", func(t *testing.T) {
		ing := NewIngestor(newFakeQueueStore(), nil)

		report, err := ing.SeedQueue(ctx, "survey-1", []types.RespondentContact{
			{Phone: "08035550101", Region: "Kano"},
			{Phone: "0803-555-0101", Region: "Kano"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Inserted)
		assert.Equal(t, 1, report.Duplicates)
	})

	t.Run("deduplicates against stored entries", func(t *testing.T) {
		queues := newFakeQueueStore()
		ing := NewIngestor(queues, nil)

		_, err := ing.SeedQueue(ctx, "survey-1", []types.RespondentContact{
			{Phone: "08035550101", Region: "Kano"},
		})
		require.NoError(t, err)

		report, err := ing.SeedQueue(ctx, "survey-1", []types.RespondentContact{
			{Phone: "08035550101", Region: "Kano"},
			{Phone: "08035550102", Region: "Kano"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Inserted)
		assert.Equal(t, 1, report.Duplicates)
	})

	t.Run("counts invalid rows without failing the batch", func(t *testing.T) {
		ing := NewIngestor(newFakeQueueStore(), nil)

		report, err := ing.SeedQueue(ctx, "survey-1", []types.RespondentContact{
			{Phone: "not-a-number", Region: "Kano"},
			{Phone: "12345", Region: "Kano"},
			{Phone: "08035550101", Region: ""},
			{Phone: "08035550102", Region: "Kano"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, report.Invalid)
		assert.Equal(t, 1, report.Inserted)
	})

	t.Run("rejects empty survey id", func(t *testing.T) {
		ing := NewIngestor(newFakeQueueStore(), nil)
		_, err := ing.SeedQueue(ctx, "", nil)
		assert.Error(t, err)
	})
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"0803 555 0101", "08035550101", true},
		{"+234 (803) 555-0102", "+2348035550102", true},
		{"0803.555.0103", "08035550103", true},
		{"12345", "", false},
		{"call-me-maybe", "", false},
		{"0803x5550101", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		assert.Equal(t, tt.valid, ok, tt.in)
		if tt.valid {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestSeedQueue_CreatedAtStable(t *testing.T) {
	queues := newFakeQueueStore()
	ing := NewIngestor(queues, nil)

	before := time.Now().UTC()
	_, err := ing.SeedQueue(context.Background(), "survey-1", []types.RespondentContact{
		{Phone: "08035550101", Region: "Kano"},
	})
	require.NoError(t, err)

	for _, entry := range queues.entries {
		assert.False(t, entry.CreatedAt.Before(before.Add(-time.Second)))
	}
}
