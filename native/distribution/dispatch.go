package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeBank moves native value between accounts.
type NativeBank interface {
	TransferNative(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// TokenLedger moves token balances. operator is the account performing the
// move; implementations enforce allowances or approvals whenever operator is
// not from.
type TokenLedger interface {
	TransferFungible(ctx context.Context, token, operator, from, to common.Address, amount *uint256.Int) error
	TransferNonFungible(ctx context.Context, token, operator, from, to common.Address, id *uint256.Int) error
	TransferSemiFungible(ctx context.Context, token, operator, from, to common.Address, id, amount *uint256.Int) error
}

// WrappedNativeRedeemer burns wrapped units held by holder and credits the
// same holder with the returned native value.
type WrappedNativeRedeemer interface {
	Unwrap(ctx context.Context, token, holder common.Address, amount *uint256.Int) (*uint256.Int, error)
}

// Reverter is implemented by backend errors that carry a raw revert payload.
type Reverter interface {
	Reason() []byte
}

// RevertReason extracts the failure payload reported for err.
func RevertReason(err error) []byte {
	if err == nil {
		return nil
	}
	var rev Reverter
	if errors.As(err, &rev) {
		if reason := rev.Reason(); len(reason) > 0 {
			return append([]byte(nil), reason...)
		}
	}
	return []byte(err.Error())
}

// Transfer describes where a recipient's value comes from.
type Transfer struct {
	Kind  AssetKind
	Asset common.Address
	SubID *uint256.Int
	// Source owns the assets being distributed.
	Source common.Address
	// Operator performs token moves out of Source.
	Operator common.Address
	// Vault holds escrowed native value for the current call.
	Vault common.Address
}

// Outcome is the result of dispatching a single recipient.
type Outcome struct {
	Delivered bool
	Skipped   bool
	Reason    []byte
	// Units is what the delivery adds to the distributed tally.
	Units *uint256.Int
	// Refundable is native value that stayed in the vault.
	Refundable *uint256.Int
	// Stranded is wrapped units pulled from the source that could not be
	// handed back and remain in the vault.
	Stranded *uint256.Int
}

// Failed reports whether the recipient should be listed as a failure.
func (o Outcome) Failed() bool { return !o.Delivered && !o.Skipped }

// Dispatcher executes single-recipient transfers for every asset kind. It
// never returns an error: backend failures are folded into the Outcome.
type Dispatcher struct {
	bank     NativeBank
	tokens   TokenLedger
	redeemer WrappedNativeRedeemer
}

// NewDispatcher wires the dispatcher to its asset backends.
func NewDispatcher(bank NativeBank, tokens TokenLedger, redeemer WrappedNativeRedeemer) *Dispatcher {
	return &Dispatcher{bank: bank, tokens: tokens, redeemer: redeemer}
}

func (d *Dispatcher) ready(kind AssetKind) error {
	if d == nil {
		return errNilBackend
	}
	switch kind {
	case AssetNative:
		if d.bank == nil {
			return errNilBackend
		}
	case AssetWrappedNative:
		if d.bank == nil || d.tokens == nil || d.redeemer == nil {
			return errNilBackend
		}
	case AssetFungible, AssetNonFungible, AssetSemiFungible:
		if d.tokens == nil {
			return errNilBackend
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, kind)
	}
	return nil
}

// Dispatch moves one recipient's value.
func (d *Dispatcher) Dispatch(ctx context.Context, t Transfer, r Recipient) (out Outcome) {
	value := r.value()
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{Reason: []byte(fmt.Sprintf("panic: %v", rec))}
			if t.Kind == AssetNative {
				out.Refundable = cloneU256(value)
			}
		}
	}()
	if r.To == (common.Address{}) {
		skipped := Outcome{Skipped: true}
		if t.Kind == AssetNative {
			skipped.Refundable = cloneU256(value)
		}
		return skipped
	}
	switch t.Kind {
	case AssetNative:
		return d.dispatchNative(ctx, t, r.To, value)
	case AssetWrappedNative:
		return d.dispatchWrapped(ctx, t, r.To, value)
	case AssetFungible:
		return delivered(d.tokens.TransferFungible(ctx, t.Asset, t.Operator, t.Source, r.To, value), value)
	case AssetNonFungible:
		return delivered(d.tokens.TransferNonFungible(ctx, t.Asset, t.Operator, t.Source, r.To, value), uint256.NewInt(1))
	case AssetSemiFungible:
		return delivered(d.tokens.TransferSemiFungible(ctx, t.Asset, t.Operator, t.Source, r.To, cloneU256(t.SubID), value), value)
	default:
		return Outcome{Reason: []byte(fmt.Sprintf("unsupported asset kind %d", t.Kind))}
	}
}

func (d *Dispatcher) dispatchNative(ctx context.Context, t Transfer, to common.Address, value *uint256.Int) Outcome {
	if err := d.bank.TransferNative(ctx, t.Vault, to, value); err != nil {
		return Outcome{Reason: RevertReason(err), Refundable: cloneU256(value)}
	}
	return Outcome{Delivered: true, Units: cloneU256(value)}
}

func (d *Dispatcher) dispatchWrapped(ctx context.Context, t Transfer, to common.Address, value *uint256.Int) Outcome {
	if err := d.tokens.TransferFungible(ctx, t.Asset, t.Operator, t.Source, t.Vault, value); err != nil {
		return Outcome{Reason: RevertReason(err)}
	}
	native, err := d.redeemer.Unwrap(ctx, t.Asset, t.Vault, value)
	if err != nil {
		reason := RevertReason(err)
		// hand the pulled units back so the source is made whole
		if backErr := d.tokens.TransferFungible(ctx, t.Asset, t.Vault, t.Vault, t.Source, value); backErr != nil {
			reason = append(reason, "; hand-back: "...)
			reason = append(reason, RevertReason(backErr)...)
			return Outcome{Reason: reason, Stranded: cloneU256(value)}
		}
		return Outcome{Reason: reason}
	}
	if native == nil {
		native = cloneU256(value)
	}
	if err := d.bank.TransferNative(ctx, t.Vault, to, native); err != nil {
		return Outcome{Reason: RevertReason(err), Refundable: cloneU256(native)}
	}
	return Outcome{Delivered: true, Units: cloneU256(value)}
}

func delivered(err error, units *uint256.Int) Outcome {
	if err != nil {
		return Outcome{Reason: RevertReason(err)}
	}
	return Outcome{Delivered: true, Units: cloneU256(units)}
}
