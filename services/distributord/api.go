package distributord

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"batchsettle/crypto"
	nativecommon "batchsettle/native/common"
	"batchsettle/native/distribution"
)

// RecipientJSON is the wire form of a recipient. Accounts accept 0x hex or
// bech32; values are decimal or 0x-prefixed hex.
type RecipientJSON struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

// AuthorizationJSON is the wire form of an owner authorization.
type AuthorizationJSON struct {
	UUID         string `json:"uuid"`
	Asset        string `json:"asset"`
	AssetKind    string `json:"assetKind"`
	AssetSubID   string `json:"assetSubId,omitempty"`
	TotalAmount  string `json:"totalAmount"`
	TotalBatches uint32 `json:"totalBatches"`
	MerkleRoot   string `json:"merkleRoot"`
	Deadline     int64  `json:"deadline"`
}

// SelfRequest submits a distribution of assets owned by the relayer.
type SelfRequest struct {
	Asset            string          `json:"asset"`
	AssetKind        string          `json:"assetKind"`
	AssetSubID       string          `json:"assetSubId,omitempty"`
	Recipients       []RecipientJSON `json:"recipients"`
	Referrer         string          `json:"referrer,omitempty"`
	Value            string          `json:"value,omitempty"`
	Free             bool            `json:"free,omitempty"`
	SponsorSignature string          `json:"sponsorSignature,omitempty"`
}

// DelegatedRequest relays one batch of an owner signed distribution.
type DelegatedRequest struct {
	Authorization    AuthorizationJSON `json:"authorization"`
	Signature        string            `json:"signature"`
	BatchID          uint32            `json:"batchId"`
	Recipients       []RecipientJSON   `json:"recipients"`
	ProofHashes      []string          `json:"proofHashes"`
	ProofLengths     []uint8           `json:"proofLengths"`
	Referrer         string            `json:"referrer,omitempty"`
	Value            string            `json:"value,omitempty"`
	Free             bool              `json:"free,omitempty"`
	SponsorSignature string            `json:"sponsorSignature,omitempty"`
}

// FailedJSON describes a recipient whose transfer did not land.
type FailedJSON struct {
	To     string `json:"to"`
	Value  string `json:"value"`
	Reason string `json:"reason,omitempty"`
}

// ResultJSON is returned for settled submissions.
type ResultJSON struct {
	SubmissionID string       `json:"submissionId"`
	Owner        string       `json:"owner"`
	Usage        string       `json:"usage"`
	Distributed  string       `json:"distributed"`
	Refund       string       `json:"refund"`
	Failed       []FailedJSON `json:"failed"`
	UUID         string       `json:"uuid,omitempty"`
	BatchID      *uint32      `json:"batchId,omitempty"`
}

// ProgressJSON reports execution progress for a distribution.
type ProgressJSON struct {
	UUID            string `json:"uuid"`
	ExecutedBatches uint32 `json:"executedBatches"`
	TotalBatches    uint32 `json:"totalBatches"`
	Distributed     string `json:"distributed"`
	Complete        bool   `json:"complete"`
}

// ErrorJSON is the error envelope for every non-2xx response.
type ErrorJSON struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type requestError struct {
	field string
	err   error
}

func (e *requestError) Error() string { return fmt.Sprintf("invalid %s: %v", e.field, e.err) }
func (e *requestError) Unwrap() error { return e.err }

func invalid(field string, err error) error { return &requestError{field: field, err: err} }

func parseAccount(field, raw string, required bool) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		if required {
			return common.Address{}, invalid(field, errors.New("required"))
		}
		return common.Address{}, nil
	}
	addr, err := crypto.ParseAccount(raw)
	if err != nil {
		return common.Address{}, invalid(field, err)
	}
	return addr, nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var (
		value *uint256.Int
		err   error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		value, err = uint256.FromHex(trimmed)
	} else {
		value, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, invalid(field, err)
	}
	return value, nil
}

func parseHash(field, raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, invalid(field, err)
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, invalid(field, fmt.Errorf("want %d bytes, got %d", common.HashLength, len(decoded)))
	}
	return common.BytesToHash(decoded), nil
}

func parseBytes(field, raw string) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, invalid(field, err)
	}
	return decoded, nil
}

// ParseRecipients converts wire recipients. Empty accounts become the zero
// address and empty values zero.
func ParseRecipients(raw []RecipientJSON) ([]distribution.Recipient, error) {
	out := make([]distribution.Recipient, len(raw))
	for i, r := range raw {
		field := fmt.Sprintf("recipients[%d]", i)
		to, err := parseAccount(field+".to", r.To, false)
		if err != nil {
			return nil, err
		}
		value, err := parseAmount(field+".value", r.Value)
		if err != nil {
			return nil, err
		}
		if value == nil {
			value = new(uint256.Int)
		}
		out[i] = distribution.Recipient{To: to, Value: value}
	}
	return out, nil
}

func parseKind(raw string) (distribution.AssetKind, error) {
	kind, err := distribution.ParseAssetKind(raw)
	if err != nil {
		return 0, invalid("assetKind", err)
	}
	return kind, nil
}

// Request converts the wire payload into an engine request.
func (r SelfRequest) Request() (distribution.DistributeRequest, error) {
	var req distribution.DistributeRequest
	kind, err := parseKind(r.AssetKind)
	if err != nil {
		return req, err
	}
	asset, err := parseAccount("asset", r.Asset, kind != distribution.AssetNative)
	if err != nil {
		return req, err
	}
	subID, err := parseAmount("assetSubId", r.AssetSubID)
	if err != nil {
		return req, err
	}
	recipients, err := ParseRecipients(r.Recipients)
	if err != nil {
		return req, err
	}
	referrer, err := parseAccount("referrer", r.Referrer, false)
	if err != nil {
		return req, err
	}
	return distribution.DistributeRequest{
		Asset:      asset,
		Kind:       kind,
		SubID:      subID,
		Recipients: recipients,
		Referrer:   referrer,
	}, nil
}

// Authorization converts the wire form into an authorization.
func (a AuthorizationJSON) Authorization() (distribution.Authorization, error) {
	var auth distribution.Authorization
	uuid, err := parseHash("authorization.uuid", a.UUID)
	if err != nil {
		return auth, err
	}
	kind, err := parseKind(a.AssetKind)
	if err != nil {
		return auth, err
	}
	asset, err := parseAccount("authorization.asset", a.Asset, true)
	if err != nil {
		return auth, err
	}
	subID, err := parseAmount("authorization.assetSubId", a.AssetSubID)
	if err != nil {
		return auth, err
	}
	total, err := parseAmount("authorization.totalAmount", a.TotalAmount)
	if err != nil {
		return auth, err
	}
	if total == nil {
		return auth, invalid("authorization.totalAmount", errors.New("required"))
	}
	root, err := parseHash("authorization.merkleRoot", a.MerkleRoot)
	if err != nil {
		return auth, err
	}
	return distribution.Authorization{
		UUID:         uuid,
		Asset:        asset,
		Kind:         kind,
		SubID:        subID,
		TotalAmount:  total,
		TotalBatches: a.TotalBatches,
		MerkleRoot:   root,
		Deadline:     a.Deadline,
	}, nil
}

// Request converts the wire payload into an engine request.
func (r DelegatedRequest) Request() (distribution.AuthorizedRequest, error) {
	var req distribution.AuthorizedRequest
	auth, err := r.Authorization.Authorization()
	if err != nil {
		return req, err
	}
	sig, err := parseBytes("signature", r.Signature)
	if err != nil {
		return req, err
	}
	recipients, err := ParseRecipients(r.Recipients)
	if err != nil {
		return req, err
	}
	proofs := make([]common.Hash, len(r.ProofHashes))
	for i, raw := range r.ProofHashes {
		if proofs[i], err = parseHash(fmt.Sprintf("proofHashes[%d]", i), raw); err != nil {
			return req, err
		}
	}
	referrer, err := parseAccount("referrer", r.Referrer, false)
	if err != nil {
		return req, err
	}
	return distribution.AuthorizedRequest{
		Authorization: auth,
		Signature:     sig,
		BatchID:       r.BatchID,
		Recipients:    recipients,
		ProofHashes:   proofs,
		ProofLengths:  append([]uint8(nil), r.ProofLengths...),
		Referrer:      referrer,
	}, nil
}

// AuthorizationToJSON renders an authorization in wire form.
func AuthorizationToJSON(a distribution.Authorization) AuthorizationJSON {
	out := AuthorizationJSON{
		UUID:         a.UUID.Hex(),
		Asset:        a.Asset.Hex(),
		AssetKind:    a.Kind.String(),
		TotalBatches: a.TotalBatches,
		MerkleRoot:   a.MerkleRoot.Hex(),
		Deadline:     a.Deadline,
	}
	if a.SubID != nil {
		out.AssetSubID = a.SubID.Dec()
	}
	if a.TotalAmount != nil {
		out.TotalAmount = a.TotalAmount.Dec()
	}
	return out
}

// RecipientsToJSON renders recipients in wire form.
func RecipientsToJSON(recipients []distribution.Recipient) []RecipientJSON {
	out := make([]RecipientJSON, len(recipients))
	for i, r := range recipients {
		value := "0"
		if r.Value != nil {
			value = r.Value.Dec()
		}
		out[i] = RecipientJSON{To: r.To.Hex(), Value: value}
	}
	return out
}

// DelegatedRequestFromBatch renders a planned batch as a submission body.
func DelegatedRequestFromBatch(auth distribution.Authorization, sig []byte, batch distribution.PlannedBatch) DelegatedRequest {
	proofs := make([]string, len(batch.ProofHashes))
	for i, h := range batch.ProofHashes {
		proofs[i] = h.Hex()
	}
	return DelegatedRequest{
		Authorization: AuthorizationToJSON(auth),
		Signature:     hexutil.Encode(sig),
		BatchID:       batch.ID,
		Recipients:    RecipientsToJSON(batch.Recipients),
		ProofHashes:   proofs,
		ProofLengths:  append([]uint8(nil), batch.ProofLengths...),
	}
}

func resultToJSON(res *distribution.Result) ResultJSON {
	out := ResultJSON{
		Owner:       res.Owner.Hex(),
		Usage:       res.Usage.String(),
		Distributed: amountString(res.Distributed),
		Refund:      amountString(res.Refund),
		Failed:      make([]FailedJSON, 0, len(res.Failed)),
	}
	for _, f := range res.Failed {
		failed := FailedJSON{To: f.To.Hex(), Value: amountString(f.Value)}
		if len(f.Reason) > 0 {
			failed.Reason = hexutil.Encode(f.Reason)
		}
		out.Failed = append(out.Failed, failed)
	}
	return out
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// statusFor maps engine and request errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrKeyReused):
		return http.StatusUnprocessableEntity, "idempotency_key_reused"
	case errors.Is(err, ErrKeyInFlight):
		return http.StatusConflict, "idempotency_key_in_flight"
	case errors.Is(err, nativecommon.ErrQuotaBatchTooLarge):
		return http.StatusRequestEntityTooLarge, "quota_batch_too_large"
	case errors.Is(err, nativecommon.ErrQuotaSubmissionsExceeded),
		errors.Is(err, nativecommon.ErrQuotaRecipientsExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, nativecommon.ErrReentrantCall),
		errors.Is(err, distribution.ErrBatchAlreadyExecuted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, distribution.ErrInsufficientValue):
		return http.StatusPaymentRequired, "insufficient_value"
	case errors.Is(err, distribution.ErrNotExempt),
		errors.Is(err, distribution.ErrUnauthorizedWithdrawal):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, distribution.ErrNothingToWithdraw):
		return http.StatusNotFound, "nothing_to_withdraw"
	case errors.Is(err, distribution.ErrInvalidSignature),
		errors.Is(err, distribution.ErrMalleableSignature),
		errors.Is(err, distribution.ErrProofLengthMismatch),
		errors.Is(err, distribution.ErrInvalidProof),
		errors.Is(err, distribution.ErrInvalidBatchID),
		errors.Is(err, distribution.ErrDeadlineExpired),
		errors.Is(err, distribution.ErrUnsupportedAssetKind),
		errors.Is(err, distribution.ErrRecipientCount),
		errors.Is(err, distribution.ErrAmountExceeded),
		errors.Is(err, distribution.ErrInvalidAuthorization),
		errors.Is(err, distribution.ErrValueOverflow):
		return http.StatusUnprocessableEntity, "rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorJSON{Error: message})
}
