package connect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finlink-io/booksync/internal/db/models"
	"github.com/finlink-io/booksync/internal/metrics"
)

// StartReaper launches the background sweep that expires authorization
// attempts stuck between storing a code and completing the exchange (a crash
// window: those two steps are not one transaction). interval <= 0 disables
// the loop.
func (s *Service) StartReaper(interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := s.ReapOnce(ctx, maxAge); err != nil {
				s.log.Warn("reaper sweep failed", zap.Error(err))
			}
			cancel()
		}
	}()
}

// ReapOnce transitions accounts stuck in the code-received position for
// longer than maxAge to errored, and returns how many were expired. Operators
// retry by re-initiating the authorization flow.
func (s *Service) ReapOnce(ctx context.Context, maxAge time.Duration) (int, error) {
	accs, err := s.store.StuckCodeReceived(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	desc := fmt.Sprintf("authorization stalled: no token exchange completed within %s", maxAge)
	reaped := 0
	for i := range accs {
		acc := &accs[i]
		lock := s.accountLock(acc.ID)
		lock.Lock()
		// Re-check under the lock: a late callback may have just finished.
		current, err := s.store.ByID(ctx, acc.ID)
		if err == nil && current.State() == models.StateCodeReceived {
			if err := s.store.SetError(ctx, acc.ID, desc, time.Now()); err == nil {
				reaped++
				metrics.StuckAttemptsReaped.Inc()
				s.log.Info("expired stalled authorization attempt",
					zap.Uint("account_id", acc.ID),
					zap.String("provider", acc.Provider))
			}
		}
		lock.Unlock()
	}
	return reaped, nil
}
