// Package lock provides short-lived mutual exclusion keyed by string, used
// to serialize merges of the same duplicate group.
package lock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = eris.New("lock: key is held")

// ReleaseFunc gives a lock back. Releasing an expired or stolen lock is a
// no-op.
type ReleaseFunc func(ctx context.Context) error

// Locker acquires exclusive, expiring locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// GroupKey is the lock key for a tenant's duplicate group.
func GroupKey(tenantID string, groupID int64) string {
	return "merge:" + tenantID + ":" + strconv.FormatInt(groupID, 10)
}

// ResultKey is the lock key for rewriting a merged group's stored result.
func ResultKey(tenantID string, groupID int64) string {
	return "merge-result:" + tenantID + ":" + strconv.FormatInt(groupID, 10)
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker for single-replica deployments.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, eris.Wrapf(ErrLocked, "key %s", key)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
