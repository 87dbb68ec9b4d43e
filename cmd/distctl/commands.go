package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"batchsettle/crypto"
	"batchsettle/native/distribution"
	"batchsettle/services/distributord"
)

var distctlHTTPClient = &http.Client{Timeout: 30 * time.Second}

func runSignCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign", stderr)
	var planPath, keystorePath, passEnv string
	fs.StringVar(&planPath, "plan", "", "plan file")
	fs.StringVar(&keystorePath, "keystore", "", "owner keystore")
	fs.StringVar(&passEnv, "passphrase-env", "", "environment variable holding the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if planPath == "" || keystorePath == "" {
		return printError(stderr, "--plan and --keystore are required")
	}
	resolved, err := loadPlan(planPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := resolved.check(); err != nil {
		return printError(stderr, err.Error())
	}
	pass, err := resolvePassphrase(passEnv, "owner keystore")
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(keystorePath, pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("unlock keystore: %v", err))
	}
	digest := resolved.auth.Digest(resolved.domain)
	sig, err := distribution.SignDigest(digest, key.PrivateKey)
	if err != nil {
		return printError(stderr, err.Error())
	}
	resolved.file.Signature = hexutil.Encode(sig)
	resolved.file.Signer = key.Address().Hex()
	if err := writePlan(planPath, resolved.file); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "digest: %s\n", digest.Hex())
	fmt.Fprintf(stdout, "signer: %s\n", resolved.file.Signer)
	return 0
}

func runVerifyCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr)
	var planPath string
	fs.StringVar(&planPath, "plan", "", "plan file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if planPath == "" {
		return printError(stderr, "--plan is required")
	}
	resolved, err := loadPlan(planPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := resolved.check(); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "root:    %s\n", resolved.auth.MerkleRoot.Hex())
	fmt.Fprintf(stdout, "batches: %d verified\n", len(resolved.plan.Batches))
	if resolved.auth.Deadline < distctlNow().Unix() {
		fmt.Fprintf(stderr, "warning: deadline %s has passed\n", time.Unix(resolved.auth.Deadline, 0).UTC().Format(time.RFC3339))
	}
	if len(resolved.sig) == 0 {
		fmt.Fprintln(stdout, "signer:  unsigned")
		return 0
	}
	signer, err := distribution.NewSignatureVerifier(nil).Verify(context.Background(), resolved.auth.Digest(resolved.domain), resolved.sig)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if claimed := strings.TrimSpace(resolved.file.Signer); claimed != "" && !strings.EqualFold(claimed, signer.Hex()) {
		return printError(stderr, fmt.Sprintf("signature recovers %s, plan names %s", signer.Hex(), claimed))
	}
	fmt.Fprintf(stdout, "signer:  %s\n", signer.Hex())
	return 0
}

type proofOutput struct {
	Index    uint64   `json:"index"`
	BatchID  uint32   `json:"batchId"`
	Position int      `json:"position"`
	To       string   `json:"to"`
	Value    string   `json:"value"`
	Leaf     string   `json:"leaf"`
	Proof    []string `json:"proof"`
	Root     string   `json:"root"`
}

func runProofCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("proof", stderr)
	var planPath string
	var index uint64
	fs.StringVar(&planPath, "plan", "", "plan file")
	fs.Uint64Var(&index, "index", 0, "global leaf index (batch id * 2^32 + position)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if planPath == "" {
		return printError(stderr, "--plan is required")
	}
	resolved, err := loadPlan(planPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	batchID := index / distribution.BatchStride
	pos := int(index % distribution.BatchStride)
	if batchID >= uint64(len(resolved.plan.Batches)) || pos >= len(resolved.plan.Batches[batchID].Recipients) {
		return printError(stderr, fmt.Sprintf("index %d is not part of the plan", index))
	}
	var leaves []common.Hash
	for _, batch := range resolved.plan.Batches {
		leaves = append(leaves, batchLeaves(batch)...)
	}
	tree, err := distribution.BuildTree(leaves)
	if err != nil {
		return printError(stderr, err.Error())
	}
	flat := int(batchID)*resolved.file.BatchSize + pos
	proof, err := tree.Proof(flat)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if !distribution.VerifyProof(leaves[flat], proof, resolved.auth.MerkleRoot) {
		return printError(stderr, "proof does not match the authorized root")
	}
	recipient := resolved.plan.Batches[batchID].Recipients[pos]
	out := proofOutput{
		Index:    index,
		BatchID:  uint32(batchID),
		Position: pos,
		To:       recipient.To.Hex(),
		Value:    recipient.Value.Dec(),
		Leaf:     leaves[flat].Hex(),
		Proof:    make([]string, len(proof)),
		Root:     tree.Root().Hex(),
	}
	for i, h := range proof {
		out.Proof[i] = h.Hex()
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

func runSubmitCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("submit", stderr)
	var (
		planPath, endpoint, tokenEnv, referrer, valueRaw string
		batch                                            int
		free                                             bool
	)
	fs.StringVar(&planPath, "plan", "", "signed plan file")
	fs.StringVar(&endpoint, "endpoint", "http://127.0.0.1:7090", "distributord base URL")
	fs.StringVar(&tokenEnv, "token-env", "DISTCTL_TOKEN", "environment variable holding the bearer token")
	fs.StringVar(&referrer, "referrer", "", "referrer account credited with half the fee")
	fs.StringVar(&valueRaw, "value", "", "native value attached to each call")
	fs.IntVar(&batch, "batch", -1, "submit a single batch id (all batches when negative)")
	fs.BoolVar(&free, "free", false, "request fee-free execution")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if planPath == "" {
		return printError(stderr, "--plan is required")
	}
	if valueRaw != "" {
		if _, err := uint256.FromDecimal(valueRaw); err != nil {
			return printError(stderr, "--value must be a decimal integer")
		}
	}
	resolved, err := loadPlan(planPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(resolved.sig) == 0 {
		return printError(stderr, errUnsigned.Error())
	}
	if err := resolved.check(); err != nil {
		return printError(stderr, err.Error())
	}
	batches := resolved.plan.Batches
	if batch >= 0 {
		if batch >= len(batches) {
			return printError(stderr, fmt.Sprintf("batch %d out of range", batch))
		}
		batches = batches[batch : batch+1]
	}
	token := strings.TrimSpace(os.Getenv(tokenEnv))
	url := strings.TrimRight(endpoint, "/") + "/v1/distributions/delegated"

	for _, planned := range batches {
		body := distributord.DelegatedRequestFromBatch(resolved.auth, resolved.sig, planned)
		body.Referrer = referrer
		body.Value = valueRaw
		body.Free = free
		status, payload, err := postBatch(url, token, fmt.Sprintf("%s/%d", resolved.auth.UUID.Hex(), planned.ID), body)
		if err != nil {
			return printError(stderr, fmt.Sprintf("batch %d: %v", planned.ID, err))
		}
		switch status {
		case http.StatusOK:
			var result distributord.ResultJSON
			if err := json.Unmarshal(payload, &result); err != nil {
				return printError(stderr, fmt.Sprintf("batch %d: decode response: %v", planned.ID, err))
			}
			fmt.Fprintf(stdout, "batch %d: settled distributed=%s failed=%d submission=%s\n", planned.ID, result.Distributed, len(result.Failed), result.SubmissionID)
		case http.StatusConflict:
			fmt.Fprintf(stdout, "batch %d: skipped (%s)\n", planned.ID, errorMessage(payload))
		default:
			return printError(stderr, fmt.Sprintf("batch %d: %d %s", planned.ID, status, errorMessage(payload)))
		}
	}
	return 0
}

func postBatch(url, token, idempotencyKey string, body distributord.DelegatedRequest) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := distctlHTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func errorMessage(payload []byte) string {
	var body distributord.ErrorJSON
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(payload))
}
