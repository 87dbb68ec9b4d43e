package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"batchsettle/crypto"
	"batchsettle/native/distribution"
	"batchsettle/services/distributord"
)

type domainJSON struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

// planFile is the document passed between plan, sign, verify and submit.
// Batches and proofs are rebuilt from the recipient list on every use.
type planFile struct {
	Domain        domainJSON                     `json:"domain"`
	Authorization distributord.AuthorizationJSON `json:"authorization"`
	Signature     string                         `json:"signature,omitempty"`
	Signer        string                         `json:"signer,omitempty"`
	BatchSize     int                            `json:"batchSize"`
	Recipients    []distributord.RecipientJSON   `json:"recipients"`
}

type resolvedPlan struct {
	file   *planFile
	domain distribution.Domain
	auth   distribution.Authorization
	plan   *distribution.Plan
	sig    []byte
}

func (d domainJSON) domain() (distribution.Domain, error) {
	out := distribution.Domain{Name: d.Name, Version: d.Version, ChainID: big.NewInt(0)}
	if raw := strings.TrimSpace(d.ChainID); raw != "" {
		chainID, ok := new(big.Int).SetString(raw, 0)
		if !ok || chainID.Sign() < 0 {
			return out, fmt.Errorf("invalid chain id %q", d.ChainID)
		}
		out.ChainID = chainID
	}
	if raw := strings.TrimSpace(d.VerifyingContract); raw != "" {
		if !common.IsHexAddress(raw) {
			return out, fmt.Errorf("invalid verifying contract %q", raw)
		}
		out.VerifyingContract = common.HexToAddress(raw)
	}
	return out, nil
}

func loadPlan(path string) (*resolvedPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file planFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	domain, err := file.Domain.domain()
	if err != nil {
		return nil, err
	}
	auth, err := file.Authorization.Authorization()
	if err != nil {
		return nil, err
	}
	recipients, err := distributord.ParseRecipients(file.Recipients)
	if err != nil {
		return nil, err
	}
	plan, err := distribution.NewPlan(auth.Kind, recipients, file.BatchSize)
	if err != nil {
		return nil, err
	}
	out := &resolvedPlan{file: &file, domain: domain, auth: auth, plan: plan}
	if strings.TrimSpace(file.Signature) != "" {
		if out.sig, err = hexutil.Decode(strings.TrimSpace(file.Signature)); err != nil {
			return nil, fmt.Errorf("decode signature: %w", err)
		}
	}
	return out, nil
}

func writePlan(path string, file *planFile) error {
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(encoded, '\n'), 0o644)
}

// readRecipients loads "to,value" rows from CSV or a JSON array of
// recipients, chosen by file extension.
func readRecipients(path string) ([]distributord.RecipientJSON, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var out []distributord.RecipientJSON
		if err := json.NewDecoder(file).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
		return out, nil
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	out := make([]distributord.RecipientJSON, 0, len(rows))
	for i, row := range rows {
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "to") {
			continue
		}
		out = append(out, distributord.RecipientJSON{To: strings.TrimSpace(row[0]), Value: strings.TrimSpace(row[1])})
	}
	return out, nil
}

func parseDeadline(raw string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "+") {
		d, err := time.ParseDuration(trimmed[1:])
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid deadline duration %q", raw)
		}
		return now.Add(d).Unix(), nil
	}
	if unix, err := strconv.ParseInt(trimmed, 10, 64); err == nil && unix > 0 {
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("deadline must be +duration, unix seconds or RFC3339")
	}
	return ts.Unix(), nil
}

// parseDistributionUUID accepts a canonical uuid or a 32-byte hex word. The
// empty string yields a fresh random uuid.
func parseDistributionUUID(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		id := uuid.New()
		return common.BytesToHash(id[:]), nil
	}
	if id, err := uuid.Parse(trimmed); err == nil {
		return common.BytesToHash(id[:]), nil
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid uuid %q", raw)
	}
	return common.BytesToHash(decoded), nil
}

func runPlanCommand(args []string, stdout, stderr io.Writer) int {
	defaults := distribution.DefaultDomain()
	fs := newFlagSet("plan", stderr)
	var (
		recipientsPath, kindRaw, assetRaw, subIDRaw string
		deadlineRaw, uuidRaw, out                   string
		domainName, domainVersion, chainID          string
		verifyingContract                           string
		batchSize                                   int
	)
	fs.StringVar(&recipientsPath, "recipients", "", "recipients file (.csv or .json)")
	fs.StringVar(&kindRaw, "kind", "", "asset kind (wrapped_native, fungible, non_fungible, semi_fungible)")
	fs.StringVar(&assetRaw, "asset", "", "asset contract address")
	fs.StringVar(&subIDRaw, "sub-id", "", "token id for semi-fungible assets")
	fs.IntVar(&batchSize, "batch-size", distribution.MaxRecipients, "recipients per batch")
	fs.StringVar(&deadlineRaw, "deadline", "+168h", "deadline as +duration, unix seconds or RFC3339")
	fs.StringVar(&uuidRaw, "uuid", "", "distribution uuid (random when empty)")
	fs.StringVar(&out, "out", "", "plan file to write")
	fs.StringVar(&domainName, "domain-name", defaults.Name, "signing domain name")
	fs.StringVar(&domainVersion, "domain-version", defaults.Version, "signing domain version")
	fs.StringVar(&chainID, "chain-id", defaults.ChainID.String(), "signing domain chain id")
	fs.StringVar(&verifyingContract, "verifying-contract", "", "signing domain verifying contract")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if recipientsPath == "" {
		return printError(stderr, "--recipients is required")
	}
	if out == "" {
		return printError(stderr, "--out is required")
	}
	kind, err := distribution.ParseAssetKind(kindRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if kind == distribution.AssetNative {
		return printError(stderr, "native value cannot be distributed by authorization")
	}
	asset, err := crypto.ParseAccount(assetRaw)
	if err != nil {
		return printError(stderr, "--asset must be a valid account")
	}
	var subID *uint256.Int
	if strings.TrimSpace(subIDRaw) != "" {
		if subID, err = uint256.FromDecimal(strings.TrimSpace(subIDRaw)); err != nil {
			return printError(stderr, "--sub-id must be a decimal integer")
		}
	}
	deadline, err := parseDeadline(deadlineRaw, distctlNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	id, err := parseDistributionUUID(uuidRaw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	domain := domainJSON{Name: domainName, Version: domainVersion, ChainID: chainID, VerifyingContract: verifyingContract}
	if _, err := domain.domain(); err != nil {
		return printError(stderr, err.Error())
	}

	rawRecipients, err := readRecipients(recipientsPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	recipients, err := distributord.ParseRecipients(rawRecipients)
	if err != nil {
		return printError(stderr, err.Error())
	}
	plan, err := distribution.NewPlan(kind, recipients, batchSize)
	if err != nil {
		return printError(stderr, err.Error())
	}
	auth := plan.Authorization(id, asset, kind, subID, deadline)
	if err := auth.Validate(); err != nil {
		return printError(stderr, err.Error())
	}
	file := &planFile{
		Domain:        domain,
		Authorization: distributord.AuthorizationToJSON(auth),
		BatchSize:     batchSize,
		Recipients:    distributord.RecipientsToJSON(recipients),
	}
	if err := writePlan(out, file); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "uuid:    %s\n", auth.UUID.Hex())
	fmt.Fprintf(stdout, "root:    %s\n", auth.MerkleRoot.Hex())
	fmt.Fprintf(stdout, "total:   %s\n", auth.TotalAmount.Dec())
	fmt.Fprintf(stdout, "batches: %d\n", auth.TotalBatches)
	return 0
}

func batchLeaves(batch distribution.PlannedBatch) []common.Hash {
	leaves := make([]common.Hash, len(batch.Recipients))
	for i, r := range batch.Recipients {
		value := r.Value
		if value == nil {
			value = new(uint256.Int)
		}
		leaves[i] = distribution.LeafHash(distribution.GlobalIndex(batch.ID, i), r.To, value)
	}
	return leaves
}

// check confirms the recipient list reproduces the authorization and that
// every batch proves against its root.
func (p *resolvedPlan) check() error {
	if p.plan.Root != p.auth.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: plan %s authorization %s", p.plan.Root.Hex(), p.auth.MerkleRoot.Hex())
	}
	if p.auth.TotalAmount == nil || !p.plan.TotalAmount.Eq(p.auth.TotalAmount) {
		return fmt.Errorf("total amount mismatch: plan %s", p.plan.TotalAmount.Dec())
	}
	if uint32(len(p.plan.Batches)) != p.auth.TotalBatches {
		return fmt.Errorf("batch count mismatch: plan %d authorization %d", len(p.plan.Batches), p.auth.TotalBatches)
	}
	for _, batch := range p.plan.Batches {
		if err := distribution.VerifyBatch(p.auth.MerkleRoot, batchLeaves(batch), batch.ProofHashes, batch.ProofLengths); err != nil {
			return fmt.Errorf("batch %d: %w", batch.ID, err)
		}
	}
	return nil
}

var errUnsigned = errors.New("plan is not signed")
