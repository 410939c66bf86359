package querycontrol

import (
	"context"
	"sync"
	"time"
)

// statusTicker calls fn every interval until stopped
type statusTicker struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func startStatusTicker(interval time.Duration, fn func()) *statusTicker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &statusTicker{cancel: cancel}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return t
}

// stop cancels the ticker and waits for an in-flight tick to return.
// Must not be called from inside fn.
func (t *statusTicker) stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	t.wg.Wait()
}
