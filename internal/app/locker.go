package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// LedgerLocker serializes operations on a single ledger.
type LedgerLocker interface {
	Lock(ctx context.Context, ledgerID uuid.UUID) (release func(), err error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, uuid.UUID) (func(), error) { return func() {}, nil }

// RedisLedgerLocker holds a redis lock per ledger so that replicas do not submit
// the same ledger twice. The TTL must outlive one gateway round trip.
type RedisLedgerLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedgerLocker(client *redislock.Client, prefix string, ttl time.Duration) *RedisLedgerLocker {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "husn:settlement"
	}
	return &RedisLedgerLocker{client: client, prefix: p, ttl: ttl}
}

func (l *RedisLedgerLocker) Lock(ctx context.Context, ledgerID uuid.UUID) (func(), error) {
	key := fmt.Sprintf("%s:payout_lock:%s", l.prefix, ledgerID)
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLedgerBusy
	}
	if err != nil {
		return nil, fmt.Errorf("obtain payout lock: %w", err)
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.WithFields(log.Fields{"component": "ledger_locker", "ledger_id": ledgerID}).WithError(err).Warn("failed to release payout lock")
		}
	}, nil
}

// LocalLedgerLocker is the single-replica fallback used when redis is not configured.
type LocalLedgerLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewLocalLedgerLocker() *LocalLedgerLocker {
	return &LocalLedgerLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *LocalLedgerLocker) Lock(_ context.Context, ledgerID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[ledgerID]; busy {
		return nil, ErrLedgerBusy
	}
	l.held[ledgerID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, ledgerID)
			l.mu.Unlock()
		})
	}, nil
}
