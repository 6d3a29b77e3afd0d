package store

import (
	"context"
	"time"
)

// AcquireOrRenewLease attempts to claim or extend a named lease for holder.
// It succeeds when no lease row exists, the existing lease has expired, or
// the existing lease is already held by holder (renewal). Any other holder
// with a live lease blocks the claim — this is the single compare-and-set
// that keeps exactly one scheduler instance active per lease name.
func (s *Store) AcquireOrRenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl).Format(time.RFC3339)
	nowStr := now.Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_lease (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE scheduler_lease.holder = excluded.holder OR scheduler_lease.expires_at <= ?`,
		name, holder, expiresAt, nowStr,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseLease drops a lease if and only if holder currently owns it,
// letting the next tick elsewhere claim it immediately instead of waiting
// out the TTL.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_lease WHERE name = ? AND holder = ?`, name, holder)
	return err
}
