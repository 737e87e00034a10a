package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"cdr.dev/slog"
	"github.com/fsnotify/fsnotify"
)

// WaitReachable blocks until the helper socket exists, checking once per
// interval for at most attempts checks. The socket directory is also watched
// so a helper that appears between checks is noticed immediately. It is
// meant for startup, when the helper is launched as a separate process.
func (l *Link) WaitReachable(ctx context.Context, interval time.Duration, attempts int) error {
	if l.IsReachable() {
		return nil
	}
	l.log.Info(ctx, "waiting for helper", slog.F("socket", l.socketPath), slog.F("attempts", attempts))

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		err = watcher.Add(filepath.Dir(l.socketPath))
		if err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}
	if err != nil {
		// Polling alone still honors the contract.
		l.log.Debug(ctx, "socket directory watch unavailable", slog.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; {
		select {
		case <-ctx.Done():
			return newError(KindHelperUnavailable, "wait for helper", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.socketPath) || !ev.Has(fsnotify.Create) {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.log.Debug(ctx, "socket directory watch error", slog.Error(err))
			continue
		case <-ticker.C:
			i++
		}
		if l.IsReachable() {
			l.log.Info(ctx, "helper is reachable", slog.F("socket", l.socketPath))
			return nil
		}
	}
	return newError(KindHelperUnavailable, fmt.Sprintf("helper did not appear at %s after %d checks", l.socketPath, attempts), nil)
}
