package assets

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"batchsettle/native/distribution"
)

var (
	holderA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holderB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	erc20   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

func TestNativeTransfers(t *testing.T) {
	w := NewWorld()
	w.Credit(holderA, uint256.NewInt(10))

	require.NoError(t, w.TransferNative(context.Background(), holderA, holderB, uint256.NewInt(4)))
	require.Equal(t, uint64(6), w.Balance(holderA).Uint64())
	require.Equal(t, uint64(4), w.Balance(holderB).Uint64())

	err := w.TransferNative(context.Background(), holderA, holderB, uint256.NewInt(7))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	w.RejectNative(holderB, []byte("closed"))
	err = w.TransferNative(context.Background(), holderA, holderB, uint256.NewInt(1))
	var rev *RevertError
	require.True(t, errors.As(err, &rev))
	require.Equal(t, []byte("closed"), rev.Reason())
	require.Equal(t, uint64(6), w.Balance(holderA).Uint64())
}

func TestReceiveHookRevertsCredit(t *testing.T) {
	w := NewWorld()
	w.Credit(holderA, uint256.NewInt(5))
	w.OnReceive(holderB, func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("hook failed")
	})
	err := w.TransferNative(context.Background(), holderA, holderB, uint256.NewInt(5))
	require.EqualError(t, err, "hook failed")
	require.Equal(t, uint64(5), w.Balance(holderA).Uint64())
	require.True(t, w.Balance(holderB).IsZero())

	w.OnReceive(holderB, nil)
	require.NoError(t, w.TransferNative(context.Background(), holderA, holderB, uint256.NewInt(5)))
}

func TestFungibleAllowance(t *testing.T) {
	w := NewWorld()
	w.RegisterToken(erc20, TokenFungible)
	require.NoError(t, w.Mint(erc20, holderA, uint256.NewInt(100)))
	ctx := context.Background()

	err := w.TransferFungible(ctx, erc20, spender, holderA, holderB, uint256.NewInt(10))
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, w.Approve(erc20, holderA, spender, uint256.NewInt(30)))
	require.NoError(t, w.TransferFungible(ctx, erc20, spender, holderA, holderB, uint256.NewInt(10)))
	require.Equal(t, uint64(20), w.Allowance(erc20, holderA, spender).Uint64())
	require.Equal(t, uint64(10), w.TokenBalance(erc20, holderB).Uint64())

	require.NoError(t, w.TransferFungible(ctx, erc20, holderA, holderA, holderB, uint256.NewInt(50)))
	require.Equal(t, uint64(40), w.TokenBalance(erc20, holderA).Uint64())

	require.NoError(t, w.Block(erc20, holderB, []byte("frozen")))
	err = w.TransferFungible(ctx, erc20, holderA, holderA, holderB, uint256.NewInt(1))
	require.Equal(t, []byte("frozen"), distribution.RevertReason(err))

	err = w.TransferFungible(ctx, common.HexToAddress("0x01"), holderA, holderA, holderB, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestNonFungibleAndSemiFungible(t *testing.T) {
	w := NewWorld()
	nft := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	sft := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	w.RegisterToken(nft, TokenNonFungible)
	w.RegisterToken(sft, TokenSemiFungible)
	ctx := context.Background()

	require.NoError(t, w.MintNonFungible(nft, holderA, uint256.NewInt(9)))
	require.ErrorIs(t, w.TransferNonFungible(ctx, nft, spender, holderA, holderB, uint256.NewInt(9)), ErrNotApproved)
	require.ErrorIs(t, w.TransferNonFungible(ctx, nft, holderB, holderB, holderA, uint256.NewInt(9)), ErrNotOwner)
	require.NoError(t, w.SetApprovalForAll(nft, holderA, spender, true))
	require.NoError(t, w.TransferNonFungible(ctx, nft, spender, holderA, holderB, uint256.NewInt(9)))
	owner, ok := w.OwnerOf(nft, uint256.NewInt(9))
	require.True(t, ok)
	require.Equal(t, holderB, owner)

	id := uint256.NewInt(3)
	require.NoError(t, w.MintSemiFungible(sft, holderA, id, uint256.NewInt(10)))
	require.ErrorIs(t, w.TransferSemiFungible(ctx, sft, holderA, holderA, holderB, id, uint256.NewInt(11)), ErrInsufficientBalance)
	require.NoError(t, w.TransferSemiFungible(ctx, sft, holderA, holderA, holderB, id, uint256.NewInt(4)))
	require.Equal(t, uint64(6), w.SemiBalance(sft, holderA, id).Uint64())
	require.Equal(t, uint64(4), w.SemiBalance(sft, holderB, id).Uint64())
}

func TestWrapAndUnwrap(t *testing.T) {
	w := NewWorld()
	weth := common.HexToAddress("0x00000000000000000000000000000000000000f3")
	w.RegisterToken(weth, TokenWrappedNative)
	w.Credit(holderA, uint256.NewInt(20))

	require.NoError(t, w.Wrap(weth, holderA, uint256.NewInt(15)))
	require.Equal(t, uint64(5), w.Balance(holderA).Uint64())
	require.Equal(t, uint64(15), w.TokenBalance(weth, holderA).Uint64())
	require.Equal(t, uint64(15), w.Balance(weth).Uint64())

	out, err := w.Unwrap(context.Background(), weth, holderA, uint256.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, uint64(10), out.Uint64())
	require.Equal(t, uint64(15), w.Balance(holderA).Uint64())
	require.Equal(t, uint64(5), w.TokenBalance(weth, holderA).Uint64())

	w.RegisterToken(erc20, TokenFungible)
	_, err = w.Unwrap(context.Background(), erc20, holderA, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrNotWrapped)
}

func TestValidatorCalls(t *testing.T) {
	w := NewWorld()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)
	validator := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	w.RegisterValidator(validator, ThresholdValidator{Signers: []common.Address{signer}, Threshold: 1})

	code, err := w.CodeAt(context.Background(), validator, nil)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	code, err = w.CodeAt(context.Background(), holderA, nil)
	require.NoError(t, err)
	require.Empty(t, code)

	digest := ethcrypto.Keccak256Hash([]byte("authorization"))
	sig, err := distribution.SignDigest(digest, key)
	require.NoError(t, err)
	input, err := distribution.EncodeIsValidSignature(digest, sig)
	require.NoError(t, err)
	out, err := w.CallContract(context.Background(), ethereum.CallMsg{To: &validator, Data: input}, nil)
	require.NoError(t, err)
	require.Equal(t, distribution.AcceptResponse(), out)

	otherKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	otherSig, err := distribution.SignDigest(digest, otherKey)
	require.NoError(t, err)
	input, err = distribution.EncodeIsValidSignature(digest, otherSig)
	require.NoError(t, err)
	out, err = w.CallContract(context.Background(), ethereum.CallMsg{To: &validator, Data: input}, nil)
	require.NoError(t, err)
	require.NotEqual(t, distribution.AcceptResponse(), out)

	reverting := common.HexToAddress("0x00000000000000000000000000000000000000d2")
	w.RegisterValidator(reverting, StaticValidator{Revert: []byte("nope")})
	_, err = w.CallContract(context.Background(), ethereum.CallMsg{To: &reverting, Data: input}, nil)
	require.Error(t, err)
}
