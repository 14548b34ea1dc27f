//go:build !windows

package execsession

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchResizeDeliversEverySignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := WatchResize(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGWINCH))
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("no tick for signal %d", i+1)
		}
	}
}
