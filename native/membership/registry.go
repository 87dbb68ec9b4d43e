package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"batchsettle/storage"
)

var membershipPrefix = []byte("membership/")

// ErrNotMember is returned by Lookup for accounts without a membership.
var ErrNotMember = errors.New("membership: account has no membership")

// Membership is a fee exemption granted to an account. A zero ExpiresAt never
// expires.
type Membership struct {
	Account   common.Address
	ExpiresAt time.Time
}

// Active reports whether the membership covers now.
func (m Membership) Active(now time.Time) bool {
	return m.ExpiresAt.IsZero() || now.Before(m.ExpiresAt)
}

type storedMembership struct {
	ExpiresAt uint64
}

func membershipKey(account common.Address) []byte {
	buf := make([]byte, 0, len(membershipPrefix)+common.AddressLength)
	buf = append(buf, membershipPrefix...)
	return append(buf, account.Bytes()...)
}

// Registry answers fee exemption lookups from persisted memberships.
type Registry struct {
	mu    sync.Mutex
	db    storage.Database
	nowFn func() time.Time
}

// NewRegistry returns a registry persisted in db.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for expiry checks.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// Grant records a membership for account. Granting again replaces the
// expiry.
func (r *Registry) Grant(account common.Address, expiresAt time.Time) error {
	if account == (common.Address{}) {
		return fmt.Errorf("membership: account required")
	}
	stored := storedMembership{}
	if !expiresAt.IsZero() {
		stored.ExpiresAt = uint64(expiresAt.Unix())
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Put(membershipKey(account), encoded)
}

// Revoke removes the membership of account.
func (r *Registry) Revoke(account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Delete(membershipKey(account))
}

// Lookup returns the membership of account.
func (r *Registry) Lookup(account common.Address) (Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := r.db.Get(membershipKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return Membership{}, ErrNotMember
	}
	if err != nil {
		return Membership{}, err
	}
	var stored storedMembership
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Membership{}, fmt.Errorf("membership: decode: %w", err)
	}
	m := Membership{Account: account}
	if stored.ExpiresAt > 0 {
		m.ExpiresAt = time.Unix(int64(stored.ExpiresAt), 0).UTC()
	}
	return m, nil
}

// IsExempt reports whether account holds an active membership.
func (r *Registry) IsExempt(_ context.Context, account common.Address) (bool, error) {
	m, err := r.Lookup(account)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Active(r.nowFn()), nil
}
