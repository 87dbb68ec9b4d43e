package distribution

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type revert []byte

func (r revert) Error() string  { return "reverted" }
func (r revert) Reason() []byte { return r }

type scriptedTokens struct {
	fungibleErr error
	refuse      map[common.Address]error
	pulled      []common.Address
}

func (s *scriptedTokens) TransferFungible(_ context.Context, _, _, _, to common.Address, _ *uint256.Int) error {
	s.pulled = append(s.pulled, to)
	if err, ok := s.refuse[to]; ok {
		return err
	}
	return s.fungibleErr
}

func (s *scriptedTokens) TransferNonFungible(context.Context, common.Address, common.Address, common.Address, common.Address, *uint256.Int) error {
	panic("token contract misbehaved")
}

func (s *scriptedTokens) TransferSemiFungible(context.Context, common.Address, common.Address, common.Address, common.Address, *uint256.Int, *uint256.Int) error {
	return revert("paused")
}

type scriptedRedeemer struct {
	err error
}

func (r scriptedRedeemer) Unwrap(_ context.Context, _, _ common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if r.err != nil {
		return nil, r.err
	}
	return new(uint256.Int).Set(amount), nil
}

func TestDispatchNative(t *testing.T) {
	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	bank := &recordingBank{refuse: map[common.Address]bool{to: true}}
	d := NewDispatcher(bank, nil, nil)
	transfer := Transfer{Kind: AssetNative, Vault: feeVault}

	out := d.Dispatch(context.Background(), transfer, Recipient{To: to, Value: uint256.NewInt(9)})
	require.True(t, out.Failed())
	require.Equal(t, uint64(9), out.Refundable.Uint64())
	require.Equal(t, []byte("refused"), out.Reason)

	out = d.Dispatch(context.Background(), transfer, Recipient{Value: uint256.NewInt(4)})
	require.True(t, out.Skipped)
	require.False(t, out.Failed())
	require.Equal(t, uint64(4), out.Refundable.Uint64())

	ok := d.Dispatch(context.Background(), transfer, Recipient{To: feeTreasury, Value: uint256.NewInt(2)})
	require.True(t, ok.Delivered)
	require.Equal(t, uint64(2), ok.Units.Uint64())
}

func TestDispatchTokenFailures(t *testing.T) {
	tokens := &scriptedTokens{}
	d := NewDispatcher(nil, tokens, nil)
	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")

	nft := d.Dispatch(context.Background(), Transfer{Kind: AssetNonFungible}, Recipient{To: to, Value: uint256.NewInt(1)})
	require.True(t, nft.Failed())
	require.Contains(t, string(nft.Reason), "panic")

	sft := d.Dispatch(context.Background(), Transfer{Kind: AssetSemiFungible}, Recipient{To: to, Value: uint256.NewInt(1)})
	require.True(t, sft.Failed())
	require.Equal(t, []byte("paused"), sft.Reason)

	fungible := d.Dispatch(context.Background(), Transfer{Kind: AssetFungible}, Recipient{To: to, Value: uint256.NewInt(3)})
	require.True(t, fungible.Delivered)
	require.Nil(t, fungible.Refundable)
}

func TestDispatchWrappedNative(t *testing.T) {
	source := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	transfer := Transfer{Kind: AssetWrappedNative, Source: source, Operator: feeVault, Vault: feeVault}

	t.Run("recipient refuses native", func(t *testing.T) {
		bank := &recordingBank{refuse: map[common.Address]bool{to: true}}
		d := NewDispatcher(bank, &scriptedTokens{}, scriptedRedeemer{})
		out := d.Dispatch(context.Background(), transfer, Recipient{To: to, Value: uint256.NewInt(8)})
		require.True(t, out.Failed())
		require.Equal(t, uint64(8), out.Refundable.Uint64())
	})
	t.Run("unwrap fails returns units", func(t *testing.T) {
		tokens := &scriptedTokens{}
		d := NewDispatcher(&recordingBank{}, tokens, scriptedRedeemer{err: errors.New("no backing")})
		out := d.Dispatch(context.Background(), transfer, Recipient{To: to, Value: uint256.NewInt(8)})
		require.True(t, out.Failed())
		require.Nil(t, out.Refundable)
		require.Nil(t, out.Stranded)
		require.Equal(t, []common.Address{feeVault, source}, tokens.pulled)
	})
	t.Run("hand-back fails strands units", func(t *testing.T) {
		tokens := &scriptedTokens{refuse: map[common.Address]error{source: revert("frozen")}}
		d := NewDispatcher(&recordingBank{}, tokens, scriptedRedeemer{err: errors.New("no backing")})
		out := d.Dispatch(context.Background(), transfer, Recipient{To: to, Value: uint256.NewInt(8)})
		require.True(t, out.Failed())
		require.Equal(t, "no backing; hand-back: frozen", string(out.Reason))
		require.Equal(t, uint64(8), out.Stranded.Uint64())
	})
	t.Run("delivered", func(t *testing.T) {
		bank := &recordingBank{}
		d := NewDispatcher(bank, &scriptedTokens{}, scriptedRedeemer{})
		out := d.Dispatch(context.Background(), transfer, Recipient{To: to, Value: uint256.NewInt(8)})
		require.True(t, out.Delivered)
		require.Equal(t, []payment{{from: feeVault, to: to, amount: 8}}, bank.payments)
	})
}

func TestDispatcherReady(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	require.ErrorIs(t, d.ready(AssetNative), errNilBackend)
	require.ErrorIs(t, d.ready(AssetFungible), errNilBackend)
	require.ErrorIs(t, d.ready(AssetKind(9)), ErrUnsupportedAssetKind)
}

func TestRevertReason(t *testing.T) {
	require.Nil(t, RevertReason(nil))
	require.Equal(t, []byte("why"), RevertReason(revert("why")))
	require.Equal(t, []byte("plain"), RevertReason(errors.New("plain")))
}
