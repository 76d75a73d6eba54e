package storage

import (
	"context"
	"testing"
	"time"
)

// testContext returns a context with a sensible test timeout.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
