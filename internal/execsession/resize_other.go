//go:build windows

package execsession

import "context"

// WatchResize never fires on platforms without SIGWINCH.
func WatchResize(context.Context) <-chan struct{} {
	return nil
}
