package selector

import (
	"sync"
	"time"

	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/lock"
	"github.com/pi-agent/model-selector/internal/logging"
)

// heartbeatState tracks the periodic Refresh task for the lock this
// Selector currently holds.
type heartbeatState struct {
	key     string
	ticker  *time.Ticker
	done    chan struct{}
	inFlight sync.Mutex
}

// startHeartbeat schedules a Refresh(key) call every config.HeartbeatInterval,
// guarded against overlapping invocations by inFlight. If Refresh reports
// the lock is lost, the heartbeat stops itself.
func startHeartbeat(locks *lock.Coordinator, key string) *heartbeatState {
	h := &heartbeatState{
		key:    key,
		ticker: time.NewTicker(config.HeartbeatInterval()),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				if !h.inFlight.TryLock() {
					continue // re-entry guard: previous Refresh still running
				}
				ok, err := locks.Refresh(key)
				h.inFlight.Unlock()
				if err != nil || !ok {
					logging.Warnf("model-selector: lock %s lost, stopping heartbeat", key)
					h.stop()
					return
				}
			}
		}
	}()
	return h
}

func (h *heartbeatState) stop() {
	h.ticker.Stop()
	select {
	case <-h.done:
		// already stopped
	default:
		close(h.done)
	}
}
