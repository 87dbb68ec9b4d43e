package distribution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MembershipOracle answers whether an account is exempt from the call fee.
type MembershipOracle interface {
	IsExempt(ctx context.Context, account common.Address) (bool, error)
}

// FeeConfig holds the flat per-call fee and where it is routed.
type FeeConfig struct {
	Fee      *uint256.Int
	Treasury common.Address
}

func (c FeeConfig) fee() *uint256.Int {
	if c.Fee == nil {
		return new(uint256.Int)
	}
	return c.Fee
}

// Sponsorship carries a fee-exempt party's signature over a
// SponsorshipDigest.
type Sponsorship struct {
	Signature []byte
}

// FeeSplit is the routing of a paid call's fee.
type FeeSplit struct {
	Referrer      common.Address
	ReferrerShare *uint256.Int
	TreasuryShare *uint256.Int
}

// FeeReceipt reports what actually landed. Amounts that could not be paid out
// stay in the vault as Retained.
type FeeReceipt struct {
	Referrer     common.Address
	ReferralPaid *uint256.Int
	TreasuryPaid *uint256.Int
	Retained     *uint256.Int
}

// FeeCalculator classifies calls and routes the flat fee.
type FeeCalculator struct {
	cfg      FeeConfig
	oracle   MembershipOracle
	verifier *SignatureVerifier
}

// NewFeeCalculator wires the calculator. A nil oracle treats every caller as
// fee-liable.
func NewFeeCalculator(cfg FeeConfig, oracle MembershipOracle, verifier *SignatureVerifier) *FeeCalculator {
	return &FeeCalculator{cfg: cfg, oracle: oracle, verifier: verifier}
}

// Fee returns the configured flat fee.
func (f *FeeCalculator) Fee() *uint256.Int { return cloneU256(f.cfg.fee()) }

// Treasury returns the protocol treasury account.
func (f *FeeCalculator) Treasury() common.Address { return f.cfg.Treasury }

func (f *FeeCalculator) exempt(ctx context.Context, account common.Address) (bool, error) {
	if f.oracle == nil || account == (common.Address{}) {
		return false, nil
	}
	ok, err := f.oracle.IsExempt(ctx, account)
	if err != nil {
		return false, fmt.Errorf("distribution: membership lookup: %w", err)
	}
	return ok, nil
}

// Classify decides whether caller uses the engine for free. The caller is
// free when exempt itself or when sponsor carries a valid signature over
// digest from an exempt account.
func (f *FeeCalculator) Classify(ctx context.Context, caller common.Address, sponsor *Sponsorship, digest common.Hash) (UsageClass, error) {
	ok, err := f.exempt(ctx, caller)
	if err != nil {
		return UsagePaid, err
	}
	if ok {
		return UsageFree, nil
	}
	if sponsor == nil || len(sponsor.Signature) == 0 {
		return UsagePaid, nil
	}
	if f.verifier == nil {
		return UsagePaid, errNilVerifier
	}
	signer, err := f.verifier.Verify(ctx, digest, sponsor.Signature)
	if err != nil {
		return UsagePaid, err
	}
	ok, err = f.exempt(ctx, signer)
	if err != nil {
		return UsagePaid, err
	}
	if !ok {
		return UsagePaid, fmt.Errorf("%w: sponsor %s is not exempt", ErrNotExempt, signer.Hex())
	}
	return UsageFree, nil
}

// Split routes the fee: half to a distinct referrer, the rest to treasury.
func (f *FeeCalculator) Split(caller, referrer common.Address) FeeSplit {
	fee := f.cfg.fee()
	if referrer == (common.Address{}) || referrer == caller {
		return FeeSplit{ReferrerShare: new(uint256.Int), TreasuryShare: cloneU256(fee)}
	}
	half := new(uint256.Int).Rsh(fee, 1)
	return FeeSplit{
		Referrer:      referrer,
		ReferrerShare: half,
		TreasuryShare: new(uint256.Int).Sub(fee, half),
	}
}

// Settle pays the fee of a paid call out of vault. Payments are best-effort:
// a referrer that refuses value forfeits its share to the treasury, and a
// treasury that refuses value leaves the fee retained in the vault.
func (f *FeeCalculator) Settle(ctx context.Context, bank NativeBank, vault, caller, referrer common.Address) FeeReceipt {
	return f.pay(ctx, bank, vault, f.Split(caller, referrer))
}

func (f *FeeCalculator) pay(ctx context.Context, bank NativeBank, vault common.Address, split FeeSplit) FeeReceipt {
	receipt := FeeReceipt{
		Referrer:     split.Referrer,
		ReferralPaid: new(uint256.Int),
		TreasuryPaid: new(uint256.Int),
		Retained:     new(uint256.Int),
	}
	treasuryShare := cloneU256(split.TreasuryShare)
	if split.ReferrerShare != nil && !split.ReferrerShare.IsZero() {
		if safeTransfer(ctx, bank, vault, split.Referrer, split.ReferrerShare) == nil {
			receipt.ReferralPaid = cloneU256(split.ReferrerShare)
		} else {
			treasuryShare.Add(treasuryShare, split.ReferrerShare)
		}
	}
	if treasuryShare.IsZero() {
		return receipt
	}
	if f.cfg.Treasury == (common.Address{}) {
		receipt.Retained = treasuryShare
		return receipt
	}
	if safeTransfer(ctx, bank, vault, f.cfg.Treasury, treasuryShare) == nil {
		receipt.TreasuryPaid = treasuryShare
	} else {
		receipt.Retained = treasuryShare
	}
	return receipt
}

func safeTransfer(ctx context.Context, bank NativeBank, from, to common.Address, amount *uint256.Int) (err error) {
	if bank == nil {
		return errNilBackend
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("distribution: transfer panic: %v", rec)
		}
	}()
	return bank.TransferNative(ctx, from, to, amount)
}
