// Package watcher implements the Idle-Connection Watcher component:
// automatically closing a CLIENT-mode (router-initiated) connection once
// it has no running jobs, so a one-off "address" dispatch doesn't leave
// an outbound connection open forever.
package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/rpc"
)

const methodJobCountCurrentConnection = "job_count_current_connection"

// Watch installs a background poller on conn (which must be CLIENT-mode)
// that closes it once the agent reports zero running jobs and no call
// initiated by this side is currently in flight. Grounded on
// prouter/handlers/jobs.py:_watch_active_connection and its
// asyncio.shield-style self-cancellation guard: Connection.Close runs its
// close callbacks synchronously on the caller's goroutine, so if the
// watcher is the one calling Close, its own close-callback would run
// inline on the watcher goroutine before the watcher's deferred close(done)
// ever executes — waiting on done there would deadlock the watcher against
// itself. selfInitiated flags that case so the callback skips the join,
// while a close triggered from elsewhere (peer disconnect, CloseAll) still
// waits for the poller goroutine to exit cleanly.
func Watch(conn *rpc.Connection, pollingDelay time.Duration, log *zap.Logger) {
	stop := make(chan struct{})
	done := make(chan struct{})
	var selfInitiated atomic.Bool

	go func() {
		defer close(done)
		ticker := time.NewTicker(pollingDelay)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if !conn.Connected() {
				return
			}
			if conn.Active() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), pollingDelay)
			raw, err := conn.CallSimple(ctx, methodJobCountCurrentConnection)
			cancel()
			if err != nil {
				// Connection is on its way down; let the close
				// callback chain handle cleanup.
				continue
			}
			var count int
			if err := rpc.DecodeArgs(raw, &count); err != nil {
				continue
			}
			if count == 0 {
				selfInitiated.Store(true)
				conn.Close()
				return
			}
		}
	}()

	conn.OnClose(func(*rpc.Connection) {
		close(stop)
		if selfInitiated.Load() {
			return
		}
		<-done
	})
}
