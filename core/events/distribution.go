package events

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batchsettle/core/types"
)

const (
	// TypeDistributionExecuted is emitted once per settled distribution call.
	TypeDistributionExecuted = "distribution.executed"
	// TypeReferralPaid records the referrer share of a paid call.
	TypeReferralPaid = "distribution.referral_paid"
	// TypeTreasuryFeePaid records the treasury share of a paid call.
	TypeTreasuryFeePaid = "distribution.treasury_fee_paid"
	// TypeTransferSkipped records a recipient whose transfer did not land.
	TypeTransferSkipped = "distribution.transfer_skipped"
	// TypeRefundIssued records native value returned at the end of a call.
	TypeRefundIssued = "distribution.refund_issued"
	// TypeFeesWithdrawn records a withdrawal of fees retained by the vault.
	TypeFeesWithdrawn = "distribution.fees_withdrawn"
	// TypeUnitsStranded records wrapped units left in the vault for their
	// owner after a failed unwrap could not be handed back.
	TypeUnitsStranded = "distribution.units_stranded"
)

// DistributionExecuted summarises a settled distribution call.
type DistributionExecuted struct {
	Distributor common.Address
	Relayer     common.Address
	Asset       common.Address
	AssetKind   string
	Recipients  int
	Amount      *uint256.Int
	Failed      int
	Usage       string
	UUID        [32]byte
	BatchID     uint32
	Delegated   bool
}

// EventType satisfies the events.Event interface.
func (DistributionExecuted) EventType() string { return TypeDistributionExecuted }

// Event converts the structured payload into a broadcastable event.
func (e DistributionExecuted) Event() *types.Event {
	attrs := map[string]string{
		"distributor": addressString(e.Distributor),
		"asset":       addressString(e.Asset),
		"assetKind":   strings.ToLower(strings.TrimSpace(e.AssetKind)),
		"recipients":  strconv.Itoa(e.Recipients),
		"amount":      formatAmount(e.Amount),
		"failed":      strconv.Itoa(e.Failed),
		"usage":       e.Usage,
	}
	if e.Delegated {
		attrs["uuid"] = withHexPrefix(e.UUID[:])
		attrs["batchId"] = strconv.FormatUint(uint64(e.BatchID), 10)
		attrs["relayer"] = addressString(e.Relayer)
	}
	return &types.Event{Type: TypeDistributionExecuted, Attributes: attrs}
}

// ReferralPaid records the referrer half of a call fee.
type ReferralPaid struct {
	Distributor common.Address
	Referrer    common.Address
	Amount      *uint256.Int
}

// EventType satisfies the events.Event interface.
func (ReferralPaid) EventType() string { return TypeReferralPaid }

// Event converts the structured payload into a broadcastable event.
func (e ReferralPaid) Event() *types.Event {
	return &types.Event{Type: TypeReferralPaid, Attributes: map[string]string{
		"distributor": addressString(e.Distributor),
		"referrer":    addressString(e.Referrer),
		"amount":      formatAmount(e.Amount),
	}}
}

// TreasuryFeePaid records the treasury share of a call fee.
type TreasuryFeePaid struct {
	Distributor common.Address
	Treasury    common.Address
	Amount      *uint256.Int
}

// EventType satisfies the events.Event interface.
func (TreasuryFeePaid) EventType() string { return TypeTreasuryFeePaid }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryFeePaid) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryFeePaid, Attributes: map[string]string{
		"distributor": addressString(e.Distributor),
		"treasury":    addressString(e.Treasury),
		"amount":      formatAmount(e.Amount),
	}}
}

// TransferSkipped records a recipient whose transfer reverted. The reason is
// the raw failure payload returned by the asset backend.
type TransferSkipped struct {
	Distributor common.Address
	To          common.Address
	Value       *uint256.Int
	Reason      []byte
}

// EventType satisfies the events.Event interface.
func (TransferSkipped) EventType() string { return TypeTransferSkipped }

// Event converts the structured payload into a broadcastable event.
func (e TransferSkipped) Event() *types.Event {
	attrs := map[string]string{
		"distributor": addressString(e.Distributor),
		"to":          addressString(e.To),
		"value":       formatAmount(e.Value),
	}
	if len(e.Reason) > 0 {
		attrs["reason"] = withHexPrefix(e.Reason)
	}
	return &types.Event{Type: TypeTransferSkipped, Attributes: attrs}
}

// RefundIssued records native value returned to an account at settlement.
type RefundIssued struct {
	To     common.Address
	Amount *uint256.Int
}

// EventType satisfies the events.Event interface.
func (RefundIssued) EventType() string { return TypeRefundIssued }

// Event converts the structured payload into a broadcastable event.
func (e RefundIssued) Event() *types.Event {
	return &types.Event{Type: TypeRefundIssued, Attributes: map[string]string{
		"to":     addressString(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

// UnitsStranded records wrapped units held by the vault on behalf of Owner.
type UnitsStranded struct {
	Owner  common.Address
	Token  common.Address
	Amount *uint256.Int
}

// EventType satisfies the events.Event interface.
func (UnitsStranded) EventType() string { return TypeUnitsStranded }

// Event converts the structured payload into a broadcastable event.
func (e UnitsStranded) Event() *types.Event {
	return &types.Event{Type: TypeUnitsStranded, Attributes: map[string]string{
		"owner":  addressString(e.Owner),
		"token":  addressString(e.Token),
		"amount": formatAmount(e.Amount),
	}}
}

// FeesWithdrawn records the treasury sweeping fees retained after failed
// treasury payments.
type FeesWithdrawn struct {
	Treasury common.Address
	Amount   *uint256.Int
}

// EventType satisfies the events.Event interface.
func (FeesWithdrawn) EventType() string { return TypeFeesWithdrawn }

// Event converts the structured payload into a broadcastable event.
func (e FeesWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeFeesWithdrawn, Attributes: map[string]string{
		"treasury": addressString(e.Treasury),
		"amount":   formatAmount(e.Amount),
	}}
}

func addressString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func withHexPrefix(raw []byte) string {
	return "0x" + hex.EncodeToString(raw)
}
