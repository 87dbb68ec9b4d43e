package distribution

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"batchsettle/storage"
)

func TestLedgerMarkExecuted(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	auth := testAuthorization()
	now := time.Unix(1_800_000_000, 0)

	require.NoError(t, ledger.MarkExecuted(auth, 0, uint256.NewInt(400), now))
	executed, err := ledger.IsExecuted(auth.UUID, 0)
	require.NoError(t, err)
	require.True(t, executed)

	err = ledger.MarkExecuted(auth, 0, uint256.NewInt(1), now)
	require.ErrorIs(t, err, ErrBatchAlreadyExecuted)

	progress, err := ledger.Progress(auth.UUID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), progress.ExecutedBatches)
	require.Equal(t, uint32(2), progress.TotalBatches)
	require.Equal(t, uint64(400), progress.Distributed.Uint64())
	require.False(t, progress.Complete())

	require.NoError(t, ledger.MarkExecuted(auth, 1, uint256.NewInt(600), now))
	progress, err = ledger.Progress(auth.UUID)
	require.NoError(t, err)
	require.True(t, progress.Complete())
	require.Equal(t, uint64(1000), progress.Distributed.Uint64())
}

func TestLedgerCheckFailures(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	auth := testAuthorization()
	now := time.Unix(1_800_000_000, 0)

	require.ErrorIs(t, ledger.Check(auth, 2, uint256.NewInt(1), now), ErrInvalidBatchID)
	require.ErrorIs(t, ledger.Check(auth, 0, uint256.NewInt(1), time.Unix(auth.Deadline+1, 0)), ErrDeadlineExpired)
	require.NoError(t, ledger.Check(auth, 0, uint256.NewInt(1), time.Unix(auth.Deadline, 0)))
	require.ErrorIs(t, ledger.Check(auth, 0, uint256.NewInt(1001), now), ErrAmountExceeded)

	require.NoError(t, ledger.MarkExecuted(auth, 0, uint256.NewInt(900), now))
	require.ErrorIs(t, ledger.MarkExecuted(auth, 1, uint256.NewInt(101), now), ErrAmountExceeded)
	executed, err := ledger.IsExecuted(auth.UUID, 1)
	require.NoError(t, err)
	require.False(t, executed, "rejected batch must not be recorded")
}

func TestLedgerRejectsConflictingTerms(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	auth := testAuthorization()
	now := time.Unix(1_800_000_000, 0)
	require.NoError(t, ledger.MarkExecuted(auth, 0, uint256.NewInt(400), now))

	moreBatches := auth
	moreBatches.TotalBatches = 5
	require.ErrorIs(t, ledger.Check(moreBatches, 3, uint256.NewInt(1), now), ErrInvalidAuthorization)
	require.ErrorIs(t, ledger.MarkExecuted(moreBatches, 1, uint256.NewInt(1), now), ErrInvalidAuthorization)

	biggerTotal := auth
	biggerTotal.TotalAmount = uint256.NewInt(5000)
	require.ErrorIs(t, ledger.Check(biggerTotal, 1, uint256.NewInt(1), now), ErrInvalidAuthorization)

	progress, err := ledger.Progress(auth.UUID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), progress.ExecutedBatches)
	require.Equal(t, uint32(2), progress.TotalBatches)

	require.NoError(t, ledger.MarkExecuted(auth, 1, uint256.NewInt(600), now))
}

func TestLedgerUnknownProgress(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	progress, err := ledger.Progress(common.HexToHash("0x99"))
	require.NoError(t, err)
	require.Zero(t, progress.ExecutedBatches)
	require.True(t, progress.Distributed.IsZero())
}

func TestLedgerBalances(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	_, err := ledger.TakeRetainedFees()
	require.ErrorIs(t, err, ErrNothingToWithdraw)

	require.NoError(t, ledger.AddRetainedFees(uint256.NewInt(5)))
	require.NoError(t, ledger.AddRetainedFees(uint256.NewInt(7)))
	retained, err := ledger.RetainedFees()
	require.NoError(t, err)
	require.Equal(t, uint64(12), retained.Uint64())

	taken, err := ledger.TakeRetainedFees()
	require.NoError(t, err)
	require.Equal(t, uint64(12), taken.Uint64())
	retained, err = ledger.RetainedFees()
	require.NoError(t, err)
	require.True(t, retained.IsZero())

	account := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	require.NoError(t, ledger.AddPendingRefund(account, uint256.NewInt(3)))
	pending, err := ledger.PendingRefund(account)
	require.NoError(t, err)
	require.Equal(t, uint64(3), pending.Uint64())
	taken, err = ledger.TakePendingRefund(account)
	require.NoError(t, err)
	require.Equal(t, uint64(3), taken.Uint64())
	_, err = ledger.TakePendingRefund(account)
	require.ErrorIs(t, err, ErrNothingToWithdraw)

	wrappedToken := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	require.NoError(t, ledger.AddStrandedUnits(wrappedToken, account, uint256.NewInt(60)))
	stranded, err := ledger.StrandedUnits(wrappedToken, account)
	require.NoError(t, err)
	require.Equal(t, uint64(60), stranded.Uint64())
	other, err := ledger.StrandedUnits(common.HexToAddress("0xf2"), account)
	require.NoError(t, err)
	require.True(t, other.IsZero())
	taken, err = ledger.TakeStrandedUnits(wrappedToken, account)
	require.NoError(t, err)
	require.Equal(t, uint64(60), taken.Uint64())
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := storage.NewBoltDB(path, nil)
	require.NoError(t, err)
	auth := testAuthorization()
	ledger := NewLedger(db)
	require.NoError(t, ledger.MarkExecuted(auth, 1, uint256.NewInt(10), time.Unix(1_800_000_000, 0)))
	require.NoError(t, db.Close())

	reopened, err := storage.NewBoltDB(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	ledger = NewLedger(reopened)
	err = ledger.MarkExecuted(auth, 1, uint256.NewInt(10), time.Unix(1_800_000_000, 0))
	require.True(t, errors.Is(err, ErrBatchAlreadyExecuted))
	progress, err := ledger.Progress(auth.UUID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), progress.ExecutedBatches)
}

func TestNilLedger(t *testing.T) {
	var ledger *Ledger
	_, err := ledger.IsExecuted(common.Hash{}, 0)
	require.ErrorIs(t, err, errNilLedger)
}
