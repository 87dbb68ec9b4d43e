package distribution

import "errors"

// Abort-tier errors. A call failing with one of these has no side effects.
var (
	ErrInsufficientValue      = errors.New("distribution: insufficient attached value")
	ErrInvalidSignature       = errors.New("distribution: invalid signature")
	ErrMalleableSignature     = errors.New("distribution: non-canonical signature s value")
	ErrProofLengthMismatch    = errors.New("distribution: proof lengths do not match proof hashes")
	ErrInvalidProof           = errors.New("distribution: invalid merkle proof")
	ErrBatchAlreadyExecuted   = errors.New("distribution: batch already executed")
	ErrInvalidBatchID         = errors.New("distribution: invalid batch id")
	ErrDeadlineExpired        = errors.New("distribution: deadline expired")
	ErrUnsupportedAssetKind   = errors.New("distribution: unsupported asset kind")
	ErrRecipientCount         = errors.New("distribution: recipient count out of bounds")
	ErrNothingToWithdraw      = errors.New("distribution: nothing to withdraw")
	ErrAmountExceeded         = errors.New("distribution: authorization amount exceeded")
	ErrInvalidAuthorization   = errors.New("distribution: invalid authorization")
	ErrNotExempt              = errors.New("distribution: caller not eligible for free usage")
	ErrUnauthorizedWithdrawal = errors.New("distribution: caller is not the treasury")
	ErrValueOverflow          = errors.New("distribution: value overflow")
)

var (
	errNilLedger   = errors.New("distribution: ledger not configured")
	errNilBackend  = errors.New("distribution: asset backend not configured")
	errNilVerifier = errors.New("distribution: signature verifier not configured")
	errNilVault    = errors.New("distribution: vault account not configured")
)
