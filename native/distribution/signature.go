package distribution

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// SingleKeySignatureLen is the r||s||v width of a secp256k1 signature.
	SingleKeySignatureLen = 65
	// minDelegatedSignatureLen is the smallest ABI encoding of
	// (address validator, bytes signature): two head words plus a length word.
	minDelegatedSignatureLen = 96
)

// ContractCaller is the read-only subset of an EVM client used to validate
// signatures on behalf of programmable accounts. *ethclient.Client satisfies
// it.
type ContractCaller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var (
	secp256k1HalfN = new(big.Int).Rsh(ethcrypto.S256().Params().N, 1)

	// IsValidSignatureSelector is the 4-byte selector of
	// isValidSignature(bytes32,bytes).
	IsValidSignatureSelector = ethcrypto.Keccak256([]byte("isValidSignature(bytes32,bytes)"))[:4]
	// ValidSignatureMagic is the value a validator returns to accept.
	ValidSignatureMagic = [4]byte{0x16, 0x26, 0xba, 0x7e}

	abiAddress, _ = abi.NewType("address", "", nil)
	abiBytes, _   = abi.NewType("bytes", "", nil)
	abiBytes32, _ = abi.NewType("bytes32", "", nil)

	delegatedPayloadArgs = abi.Arguments{{Type: abiAddress}, {Type: abiBytes}}
	isValidSignatureArgs = abi.Arguments{{Type: abiBytes32}, {Type: abiBytes}}
)

// SignatureVerifier authenticates the account behind a signature. It accepts
// plain secp256k1 signatures and signatures vouched for by a validator
// contract.
type SignatureVerifier struct {
	caller ContractCaller
}

// NewSignatureVerifier returns a verifier. caller may be nil, in which case
// only single-key signatures can be validated.
func NewSignatureVerifier(caller ContractCaller) *SignatureVerifier {
	return &SignatureVerifier{caller: caller}
}

// Verify returns the account that produced sig over digest. All failures wrap
// ErrInvalidSignature; non-canonical s values are reported as
// ErrMalleableSignature.
func (v *SignatureVerifier) Verify(ctx context.Context, digest common.Hash, sig []byte) (common.Address, error) {
	switch {
	case len(sig) == SingleKeySignatureLen:
		return recoverSingleKey(digest, sig)
	case len(sig) >= minDelegatedSignatureLen:
		return v.verifyDelegated(ctx, digest, sig)
	default:
		return common.Address{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidSignature, len(sig))
	}
}

func recoverSingleKey(digest common.Hash, sig []byte) (common.Address, error) {
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	recID := sig[64]
	if recID >= 27 {
		recID -= 27
	}
	if recID > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	if s.Cmp(secp256k1HalfN) > 0 {
		return common.Address{}, ErrMalleableSignature
	}
	if !ethcrypto.ValidateSignatureValues(recID, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignature)
	}
	normalized := make([]byte, SingleKeySignatureLen)
	copy(normalized, sig[:64])
	normalized[64] = recID
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := ethcrypto.PubkeyToAddress(*pub)
	if signer == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: recovered zero account", ErrInvalidSignature)
	}
	return signer, nil
}

func (v *SignatureVerifier) verifyDelegated(ctx context.Context, digest common.Hash, sig []byte) (common.Address, error) {
	validator, inner, err := DecodeDelegatedSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	if v == nil || v.caller == nil {
		return common.Address{}, fmt.Errorf("%w: no contract caller configured", ErrInvalidSignature)
	}
	code, err := v.caller.CodeAt(ctx, validator, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: read validator code: %v", ErrInvalidSignature, err)
	}
	if len(code) == 0 {
		return common.Address{}, fmt.Errorf("%w: validator %s has no code", ErrInvalidSignature, validator.Hex())
	}
	input, err := EncodeIsValidSignature(digest, inner)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &validator, Data: input}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: validator call reverted: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(out, acceptWord()) {
		return common.Address{}, fmt.Errorf("%w: validator rejected signature", ErrInvalidSignature)
	}
	return validator, nil
}

// EncodeDelegatedSignature builds the payload verified through a validator
// contract.
func EncodeDelegatedSignature(validator common.Address, inner []byte) ([]byte, error) {
	if inner == nil {
		inner = []byte{}
	}
	return delegatedPayloadArgs.Pack(validator, inner)
}

// DecodeDelegatedSignature splits a delegated payload into its validator and
// inner signature.
func DecodeDelegatedSignature(sig []byte) (validator common.Address, inner []byte, err error) {
	defer func() {
		// abi decoding of caller supplied bytes
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: malformed delegated payload", ErrInvalidSignature)
		}
	}()
	values, unpackErr := delegatedPayloadArgs.Unpack(sig)
	if unpackErr != nil || len(values) != 2 {
		return common.Address{}, nil, fmt.Errorf("%w: malformed delegated payload", ErrInvalidSignature)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: malformed validator", ErrInvalidSignature)
	}
	raw, ok := values[1].([]byte)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: malformed inner signature", ErrInvalidSignature)
	}
	return addr, raw, nil
}

// EncodeIsValidSignature returns the calldata of isValidSignature(digest, sig).
func EncodeIsValidSignature(digest common.Hash, sig []byte) ([]byte, error) {
	if sig == nil {
		sig = []byte{}
	}
	args, err := isValidSignatureArgs.Pack([32]byte(digest), sig)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), IsValidSignatureSelector...), args...), nil
}

// DecodeIsValidSignature parses isValidSignature calldata. Validator
// implementations use it to serve calls.
func DecodeIsValidSignature(input []byte) (common.Hash, []byte, error) {
	if len(input) < 4 || !bytes.Equal(input[:4], IsValidSignatureSelector) {
		return common.Hash{}, nil, fmt.Errorf("distribution: unknown selector")
	}
	values, err := isValidSignatureArgs.Unpack(input[4:])
	if err != nil {
		return common.Hash{}, nil, err
	}
	if len(values) != 2 {
		return common.Hash{}, nil, fmt.Errorf("distribution: malformed isValidSignature call")
	}
	digest, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, nil, fmt.Errorf("distribution: malformed digest")
	}
	sig, ok := values[1].([]byte)
	if !ok {
		return common.Hash{}, nil, fmt.Errorf("distribution: malformed signature")
	}
	return common.Hash(digest), sig, nil
}

// AcceptResponse is the 32-byte word a validator returns to accept.
func AcceptResponse() []byte { return acceptWord() }

func acceptWord() []byte {
	out := make([]byte, 32)
	copy(out, ValidSignatureMagic[:])
	return out
}

// SignDigest produces a canonical 65-byte signature with a 27/28 recovery id.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("distribution: signing key required")
	}
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	if len(sig) != SingleKeySignatureLen {
		return nil, fmt.Errorf("distribution: unexpected signature length %d", len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] < 27 {
		out[64] += 27
	}
	return out, nil
}
