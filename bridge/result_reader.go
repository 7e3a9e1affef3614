package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResultKey returns the store key a worker writes the result for id under:
// the canonical lower-case UUID string
func ResultKey(id uuid.UUID) string {
	return strings.ToLower(id.String())
}

// resultReader looks up deferred results; it never writes to the store
type resultReader struct {
	store ResultStore
}

// lookup returns the raw worker result for id, found is false while the
// worker has not written it yet
func (r *resultReader) lookup(ctx context.Context, id uuid.UUID) (string, bool, error) {
	value, found, err := r.store.Get(ctx, ResultKey(id))
	if err != nil {
		return "", false, fmt.Errorf("failed to read result %s: %w", id, err)
	}
	return value, found, nil
}
