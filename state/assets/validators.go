package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"batchsettle/native/distribution"
)

// validatorCode is the placeholder bytecode reported for registered
// validators.
var validatorCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

// Validator answers isValidSignature calls for a programmable account.
type Validator interface {
	// Respond returns the raw return data for an isValidSignature call or an
	// error to signal a revert.
	Respond(digest common.Hash, sig []byte) ([]byte, error)
}

// ThresholdValidator accepts a concatenation of 65-byte signatures when at
// least Threshold distinct Signers signed the digest.
type ThresholdValidator struct {
	Signers   []common.Address
	Threshold int
}

// Respond implements Validator.
func (v ThresholdValidator) Respond(digest common.Hash, sig []byte) ([]byte, error) {
	reject := make([]byte, 32)
	if len(sig) == 0 || len(sig)%distribution.SingleKeySignatureLen != 0 {
		return reject, nil
	}
	allowed := make(map[common.Address]bool, len(v.Signers))
	for _, s := range v.Signers {
		allowed[s] = true
	}
	seen := make(map[common.Address]bool)
	single := distribution.NewSignatureVerifier(nil)
	for off := 0; off < len(sig); off += distribution.SingleKeySignatureLen {
		signer, err := single.Verify(context.Background(), digest, sig[off:off+distribution.SingleKeySignatureLen])
		if err != nil || !allowed[signer] {
			return reject, nil
		}
		seen[signer] = true
	}
	threshold := v.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	if len(seen) < threshold {
		return reject, nil
	}
	return distribution.AcceptResponse(), nil
}

// StaticValidator returns Data (or reverts with Revert) regardless of input.
// It models broken or hostile validator contracts.
type StaticValidator struct {
	Data   []byte
	Revert []byte
}

// Respond implements Validator.
func (v StaticValidator) Respond(common.Hash, []byte) ([]byte, error) {
	if v.Revert != nil {
		return nil, NewRevertError(v.Revert)
	}
	return append([]byte(nil), v.Data...), nil
}

// RegisterValidator deploys validator at addr.
func (w *World) RegisterValidator(addr common.Address, validator Validator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if validator == nil {
		delete(w.validators, addr)
		return
	}
	w.validators[addr] = validator
}

// CodeAt reports placeholder code for validators and tokens and nothing for
// plain accounts.
func (w *World) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.validators[account]; ok {
		return append([]byte(nil), validatorCode...), nil
	}
	if _, ok := w.tokens[account]; ok {
		return append([]byte(nil), validatorCode...), nil
	}
	return nil, nil
}

// CallContract serves isValidSignature calls against registered validators.
func (w *World) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if call.To == nil {
		return nil, errors.New("assets: contract creation not supported")
	}
	w.mu.Lock()
	validator, ok := w.validators[*call.To]
	w.mu.Unlock()
	if !ok {
		return nil, nil
	}
	digest, sig, err := distribution.DecodeIsValidSignature(call.Data)
	if err != nil {
		return nil, NewRevertError([]byte(fmt.Sprintf("bad calldata: %v", err)))
	}
	return validator.Respond(digest, sig)
}
