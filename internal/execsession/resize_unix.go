//go:build !windows

package execsession

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchResize delivers one tick per SIGWINCH until ctx is done. A tick waits for the reader
// rather than being dropped.
func WatchResize(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
