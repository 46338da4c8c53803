package trigger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies onChange (debounced) whenever new trigger files land in the
// outbox, until the context is canceled. Rename events matter here: the
// publisher's atomic rename is the moment a trigger becomes visible.
func Watch(ctx context.Context, outboxDir string, debounce time.Duration, onChange func()) error {
	if err := os.MkdirAll(outboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create outbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(outboxDir); err != nil {
		return fmt.Errorf("watch %s: %w", outboxDir, err)
	}

	if debounce <= 0 {
		debounce = time.Second
	}
	var debounceTimer *time.Timer
	notify := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounce, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				notify()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}
