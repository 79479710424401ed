package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseUnavailable indicates the issuance lease could not be acquired
// before the context expired.
var ErrLeaseUnavailable = errors.New("fiscal: sequence lease unavailable")

// releaseScript deletes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// SequenceLease serialises the read-number/submit critical section per
// (taxpayer, point-of-sale, voucher-kind). Two concurrent issuances for the
// same triple would otherwise compute the same candidate number.
type SequenceLease struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewSequenceLease constructs a lease manager. The TTL bounds how long a
// crashed holder can block other issuers.
func NewSequenceLease(client *redis.Client, ttl time.Duration) *SequenceLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SequenceLease{client: client, ttl: ttl, retry: 50 * time.Millisecond}
}

// Lease is a held critical section; Release must be called when the remote
// submission has resolved, success or failure.
type Lease struct {
	lease *SequenceLease
	key   string
	token string
}

func leaseKey(taxpayerID int64, pointOfSale int, kind VoucherKind) string {
	return fmt.Sprintf("fiscal:seq:%d:%d:%d:lease", taxpayerID, pointOfSale, int(kind))
}

// Acquire blocks until the lease for the triple is held or ctx expires.
func (l *SequenceLease) Acquire(ctx context.Context, taxpayerID int64, pointOfSale int, kind VoucherKind) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("fiscal: sequence lease not configured")
	}
	key := leaseKey(taxpayerID, pointOfSale, kind)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("fiscal: acquire lease: %w", err)
		}
		if ok {
			return &Lease{lease: l, key: key, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLeaseUnavailable, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

// Release frees the lease if this holder still owns it. Safe to call after
// the TTL elapsed; a lease taken over by another issuer is left untouched.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	return releaseScript.Run(ctx, le.lease.client, []string{le.key}, le.token).Err()
}
