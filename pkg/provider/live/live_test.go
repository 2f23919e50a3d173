package live_test

import (
	"context"
	"testing"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

func TestDialed(t *testing.T) {
	t.Parallel()

	live.Dialed(context.Background()) // no hook registered

	calls := 0
	ctx := live.WithDialed(t.Context(), func() { calls++ })
	live.Dialed(ctx)
	if calls != 1 {
		t.Errorf("hook called %d times, want 1", calls)
	}
}
