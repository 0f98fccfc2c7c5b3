// Package lease keeps a sweep from running twice at once across runners.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Locker grants named, expiring leases. Acquire returns domain.ErrLeaseHeld
// when another holder's lease has not expired.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) error
	Release(ctx context.Context, name string) error
}

// Run executes fn while holding the named lease.
func Run(ctx context.Context, locker Locker, name string, ttl time.Duration, fn func(context.Context) error) error {
	if err := locker.Acquire(ctx, name, ttl); err != nil {
		return err
	}
	defer func() {
		// release even if the sweep's context was cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := locker.Release(releaseCtx, name); err != nil {
			logger.Warnf("releasing lease %s: %v", name, err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(runCtx)
}

// Local is an in-process Locker for single-runner deployments and tests.
type Local struct {
	mu     sync.Mutex
	owner  string
	leases map[string]time.Time
	now    func() time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{owner: uuid.NewString(), leases: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expires, ok := l.leases[name]; ok && now.Before(expires) {
		return domain.ErrLeaseHeld
	}
	l.leases[name] = now.Add(ttl)
	return nil
}

func (l *Local) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}
