package distribution

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"batchsettle/storage"
)

var (
	batchRecordPrefix    = []byte("distribution/batch/")
	progressRecordPrefix = []byte("distribution/progress/")
	refundRecordPrefix   = []byte("distribution/refund/")
	strandedRecordPrefix = []byte("distribution/stranded/")
	retainedFeesKey      = []byte("distribution/fees/retained")
)

type storedBatch struct {
	ExecutedAt uint64
	Amount     *big.Int
}

type storedProgress struct {
	TotalBatches    uint32
	ExecutedBatches uint32
	Distributed     *big.Int
	TotalAmount     *big.Int
}

type storedBalance struct {
	Amount *big.Int
}

func batchKey(uuid common.Hash, batchID uint32) []byte {
	hexID := uuid.Hex()
	buf := make([]byte, 0, len(batchRecordPrefix)+len(hexID)+11)
	buf = append(buf, batchRecordPrefix...)
	buf = append(buf, hexID...)
	buf = append(buf, '/')
	return strconv.AppendUint(buf, uint64(batchID), 10)
}

func progressKey(uuid common.Hash) []byte {
	hexID := uuid.Hex()
	buf := make([]byte, 0, len(progressRecordPrefix)+len(hexID))
	buf = append(buf, progressRecordPrefix...)
	return append(buf, hexID...)
}

func refundKey(account common.Address) []byte {
	hexAddr := account.Hex()
	buf := make([]byte, 0, len(refundRecordPrefix)+len(hexAddr))
	buf = append(buf, refundRecordPrefix...)
	return append(buf, hexAddr...)
}

func strandedKey(token, account common.Address) []byte {
	tokenHex, accountHex := token.Hex(), account.Hex()
	buf := make([]byte, 0, len(strandedRecordPrefix)+len(tokenHex)+1+len(accountHex))
	buf = append(buf, strandedRecordPrefix...)
	buf = append(buf, tokenHex...)
	buf = append(buf, '/')
	return append(buf, accountHex...)
}

// Ledger persists which batches of which authorization have executed and how
// much has been distributed under each. Writes for one batch land in a single
// storage batch.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger returns a ledger backed by db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) ready() error {
	if l == nil || l.db == nil {
		return errNilLedger
	}
	return nil
}

func (l *Ledger) get(key []byte, out interface{}) (bool, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("distribution: decode %q: %w", key, err)
	}
	return true, nil
}

// IsExecuted reports whether batchID of uuid has already executed.
func (l *Ledger) IsExecuted(uuid common.Hash, batchID uint32) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	return l.db.Has(batchKey(uuid, batchID))
}

// Progress returns the execution progress of uuid. Unknown distributions
// report zero progress.
func (l *Ledger) Progress(uuid common.Hash) (Progress, error) {
	if err := l.ready(); err != nil {
		return Progress{}, err
	}
	var stored storedProgress
	found, err := l.get(progressKey(uuid), &stored)
	if err != nil {
		return Progress{}, err
	}
	if !found {
		return Progress{Distributed: new(uint256.Int)}, nil
	}
	return Progress{
		ExecutedBatches: stored.ExecutedBatches,
		TotalBatches:    stored.TotalBatches,
		Distributed:     fromBig(stored.Distributed),
	}, nil
}

// matches rejects an authorization whose terms differ from the ones the uuid
// was first executed under.
func (p storedProgress) matches(auth Authorization) error {
	if p.TotalBatches != auth.TotalBatches {
		return fmt.Errorf("%w: uuid %s was opened with %d batches, not %d",
			ErrInvalidAuthorization, auth.UUID.Hex(), p.TotalBatches, auth.TotalBatches)
	}
	var stored *uint256.Int
	if p.TotalAmount != nil {
		stored = fromBig(p.TotalAmount)
	}
	switch {
	case stored == nil && auth.TotalAmount == nil:
	case stored == nil || auth.TotalAmount == nil || !stored.Eq(auth.TotalAmount):
		return fmt.Errorf("%w: uuid %s was opened with total %s, not %s",
			ErrInvalidAuthorization, auth.UUID.Hex(), formatU256(stored), formatU256(auth.TotalAmount))
	}
	return nil
}

// Check runs every MarkExecuted precondition without writing.
func (l *Ledger) Check(auth Authorization, batchID uint32, amount *uint256.Int, now time.Time) error {
	if err := l.ready(); err != nil {
		return err
	}
	_, err := l.check(auth, batchID, amount, now)
	return err
}

func (l *Ledger) check(auth Authorization, batchID uint32, amount *uint256.Int, now time.Time) (storedProgress, error) {
	if batchID >= auth.TotalBatches {
		return storedProgress{}, fmt.Errorf("%w: %d of %d", ErrInvalidBatchID, batchID, auth.TotalBatches)
	}
	if now.Unix() > auth.Deadline {
		return storedProgress{}, ErrDeadlineExpired
	}
	executed, err := l.db.Has(batchKey(auth.UUID, batchID))
	if err != nil {
		return storedProgress{}, err
	}
	if executed {
		return storedProgress{}, ErrBatchAlreadyExecuted
	}
	var progress storedProgress
	found, err := l.get(progressKey(auth.UUID), &progress)
	if err != nil {
		return storedProgress{}, err
	}
	if !found {
		progress = storedProgress{TotalBatches: auth.TotalBatches, Distributed: new(big.Int)}
	} else if err := progress.matches(auth); err != nil {
		return storedProgress{}, err
	}
	distributed := fromBig(progress.Distributed)
	next, overflow := new(uint256.Int).AddOverflow(distributed, cloneU256(amount))
	if overflow || (auth.TotalAmount != nil && next.Gt(auth.TotalAmount)) {
		return storedProgress{}, fmt.Errorf("%w: %s would exceed %s", ErrAmountExceeded, next.Dec(), formatU256(auth.TotalAmount))
	}
	progress.ExecutedBatches++
	progress.Distributed = next.ToBig()
	if auth.TotalAmount != nil {
		progress.TotalAmount = auth.TotalAmount.ToBig()
	}
	return progress, nil
}

// MarkExecuted records batchID of auth as executed with amount distributed.
// The batch flag and the updated progress are written atomically.
func (l *Ledger) MarkExecuted(auth Authorization, batchID uint32, amount *uint256.Int, now time.Time) error {
	if err := l.ready(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	progress, err := l.check(auth, batchID, amount, now)
	if err != nil {
		return err
	}
	batchRecord, err := rlp.EncodeToBytes(storedBatch{ExecutedAt: uint64(now.Unix()), Amount: cloneU256(amount).ToBig()})
	if err != nil {
		return err
	}
	progressRecord, err := rlp.EncodeToBytes(progress)
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	batch.Put(batchKey(auth.UUID, batchID), batchRecord)
	batch.Put(progressKey(auth.UUID), progressRecord)
	return l.db.Write(batch)
}

// RetainedFees returns the fees held back after failed treasury payments.
func (l *Ledger) RetainedFees() (*uint256.Int, error) {
	return l.balance(retainedFeesKey)
}

// AddRetainedFees increases the retained fee balance.
func (l *Ledger) AddRetainedFees(amount *uint256.Int) error {
	return l.credit(retainedFeesKey, amount)
}

// TakeRetainedFees zeroes the retained balance and returns what it held.
func (l *Ledger) TakeRetainedFees() (*uint256.Int, error) {
	return l.take(retainedFeesKey)
}

// PendingRefund returns native value owed to account after a refund could
// not be delivered.
func (l *Ledger) PendingRefund(account common.Address) (*uint256.Int, error) {
	return l.balance(refundKey(account))
}

// AddPendingRefund records value owed to account.
func (l *Ledger) AddPendingRefund(account common.Address, amount *uint256.Int) error {
	return l.credit(refundKey(account), amount)
}

// TakePendingRefund zeroes the refund owed to account and returns it.
func (l *Ledger) TakePendingRefund(account common.Address) (*uint256.Int, error) {
	return l.take(refundKey(account))
}

// StrandedUnits returns wrapped units of token the vault holds for account.
func (l *Ledger) StrandedUnits(token, account common.Address) (*uint256.Int, error) {
	return l.balance(strandedKey(token, account))
}

// AddStrandedUnits records wrapped units of token held for account.
func (l *Ledger) AddStrandedUnits(token, account common.Address, amount *uint256.Int) error {
	return l.credit(strandedKey(token, account), amount)
}

// TakeStrandedUnits zeroes the units of token held for account and returns
// them.
func (l *Ledger) TakeStrandedUnits(token, account common.Address) (*uint256.Int, error) {
	return l.take(strandedKey(token, account))
}

func (l *Ledger) balance(key []byte) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var stored storedBalance
	if _, err := l.get(key, &stored); err != nil {
		return nil, err
	}
	return fromBig(stored.Amount), nil
}

func (l *Ledger) credit(key []byte, amount *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var stored storedBalance
	if _, err := l.get(key, &stored); err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(fromBig(stored.Amount), amount)
	if overflow {
		return ErrValueOverflow
	}
	return l.putBalance(key, next)
}

func (l *Ledger) take(key []byte) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var stored storedBalance
	if _, err := l.get(key, &stored); err != nil {
		return nil, err
	}
	amount := fromBig(stored.Amount)
	if amount.IsZero() {
		return nil, ErrNothingToWithdraw
	}
	if err := l.db.Delete(key); err != nil {
		return nil, err
	}
	return amount, nil
}

func (l *Ledger) putBalance(key []byte, amount *uint256.Int) error {
	encoded, err := rlp.EncodeToBytes(storedBalance{Amount: amount.ToBig()})
	if err != nil {
		return err
	}
	return l.db.Put(key, encoded)
}

func fromBig(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

func formatU256(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
