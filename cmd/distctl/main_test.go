package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"batchsettle/crypto"
	"batchsettle/native/distribution"
	"batchsettle/services/distributord"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func freezeClock(t *testing.T) {
	t.Helper()
	prev := distctlNow
	distctlNow = func() time.Time { return time.Unix(1_800_000_000, 0) }
	t.Cleanup(func() { distctlNow = prev })
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const recipientsCSV = `to,value
# payroll run
0x00000000000000000000000000000000000000b1,10
0x00000000000000000000000000000000000000b2,0x14
0x00000000000000000000000000000000000000b3,30
`

func TestUsageAndUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: distctl")

	code, _, stderr = runCLI(t, "bogus")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: bogus")

	code, stdout, _ := runCLI(t, "help")
	require.Zero(t, code)
	require.Contains(t, stdout, "submit")
}

func TestAccountConversion(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bech, err := crypto.FormatAccount(addr)
	require.NoError(t, err)

	code, stdout, _ := runCLI(t, "account", addr.Hex())
	require.Zero(t, code)
	require.Contains(t, stdout, bech)

	code, stdout, _ = runCLI(t, "account", bech)
	require.Zero(t, code)
	require.Contains(t, stdout, addr.Hex())

	code, _, stderr := runCLI(t, "account", "nope")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error:")
}

func TestPlanValidation(t *testing.T) {
	freezeClock(t)
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "recipients.csv", recipientsCSV)
	out := filepath.Join(dir, "plan.json")
	asset := "0x000000000000000000000000000000000000000a"

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing recipients", []string{"--kind", "fungible", "--asset", asset, "--out", out}, "--recipients is required"},
		{"native kind", []string{"--recipients", csvPath, "--kind", "native", "--asset", asset, "--out", out}, "native value"},
		{"bad asset", []string{"--recipients", csvPath, "--kind", "fungible", "--asset", "zz", "--out", out}, "--asset"},
		{"bad deadline", []string{"--recipients", csvPath, "--kind", "fungible", "--asset", asset, "--out", out, "--deadline", "tomorrow"}, "deadline"},
		{"bad uuid", []string{"--recipients", csvPath, "--kind", "fungible", "--asset", asset, "--out", out, "--uuid", "0x1234"}, "invalid uuid"},
		{"batch too large", []string{"--recipients", csvPath, "--kind", "fungible", "--asset", asset, "--out", out, "--batch-size", "101"}, "batch size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, append([]string{"plan"}, tc.args...)...)
			require.Equal(t, 1, code)
			require.Contains(t, stderr, tc.want)
		})
	}
	_, err := os.Stat(out)
	require.True(t, os.IsNotExist(err))
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	got, err := parseDeadline("+1h", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour).Unix(), got)

	got, err = parseDeadline("1900000000", now)
	require.NoError(t, err)
	require.Equal(t, int64(1_900_000_000), got)

	got, err = parseDeadline("2030-01-01T00:00:00Z", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), got)

	_, err = parseDeadline("+-1h", now)
	require.Error(t, err)
}

func TestParseDistributionUUID(t *testing.T) {
	id, err := parseDistributionUUID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	require.Equal(t, "0x000000000000000000000000000000006ba7b8109dad11d180b400c04fd430c8", id.Hex())

	random, err := parseDistributionUUID("")
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, random)

	word := "0x" + strings.Repeat("ab", 32)
	id, err = parseDistributionUUID(word)
	require.NoError(t, err)
	require.Equal(t, word, id.Hex())
}

type submitted struct {
	key     string
	batchID uint32
}

func TestPlanSignVerifySubmit(t *testing.T) {
	freezeClock(t)
	dir := t.TempDir()
	t.Setenv("DISTCTL_TEST_PASS", "owner-pass")

	keystorePath := filepath.Join(dir, "owner.json")
	code, stdout, stderr := runCLI(t, "keygen", "--out", keystorePath, "--passphrase-env", "DISTCTL_TEST_PASS")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "bech32: bs1")
	owner, err := crypto.LoadFromKeystore(keystorePath, "owner-pass")
	require.NoError(t, err)

	csvPath := writeFile(t, dir, "recipients.csv", recipientsCSV)
	planPath := filepath.Join(dir, "out", "plan.json")
	code, stdout, stderr = runCLI(t, "plan",
		"--recipients", csvPath,
		"--kind", "fungible",
		"--asset", "0x000000000000000000000000000000000000000a",
		"--batch-size", "2",
		"--deadline", "+24h",
		"--uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"--out", planPath,
	)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "total:   60")
	require.Contains(t, stdout, "batches: 2")

	code, _, stderr = runCLI(t, "submit", "--plan", planPath)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "not signed")

	code, stdout, stderr = runCLI(t, "verify", "--plan", planPath)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "unsigned")

	code, stdout, stderr = runCLI(t, "sign", "--plan", planPath, "--keystore", keystorePath, "--passphrase-env", "DISTCTL_TEST_PASS")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, owner.Address().Hex())

	code, stdout, stderr = runCLI(t, "verify", "--plan", planPath)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "batches: 2 verified")
	require.Contains(t, stdout, "signer:  "+owner.Address().Hex())

	code, stdout, stderr = runCLI(t, "proof", "--plan", planPath, "--index", "4294967296")
	require.Zero(t, code, stderr)
	var proof proofOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &proof))
	require.Equal(t, uint32(1), proof.BatchID)
	require.Equal(t, "30", proof.Value)
	require.NotEmpty(t, proof.Proof)

	code, _, stderr = runCLI(t, "proof", "--plan", planPath, "--index", "2")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "not part of the plan")

	var (
		mu    sync.Mutex
		calls []submitted
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/distributions/delegated", r.URL.Path)
		require.Equal(t, "Bearer relay-token", r.Header.Get("Authorization"))
		var body distributord.DelegatedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		req, err := body.Request()
		require.NoError(t, err)

		signer, err := distribution.NewSignatureVerifier(nil).Verify(context.Background(), req.Authorization.Digest(distribution.DefaultDomain()), req.Signature)
		require.NoError(t, err)
		require.Equal(t, owner.Address(), signer)
		leaves := make([]common.Hash, len(req.Recipients))
		for i, rcpt := range req.Recipients {
			leaves[i] = distribution.LeafHash(distribution.GlobalIndex(req.BatchID, i), rcpt.To, rcpt.Value)
		}
		require.NoError(t, distribution.VerifyBatch(req.Authorization.MerkleRoot, leaves, req.ProofHashes, req.ProofLengths))

		mu.Lock()
		calls = append(calls, submitted{key: r.Header.Get("Idempotency-Key"), batchID: req.BatchID})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if req.BatchID == 1 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(distributord.ErrorJSON{Error: "batch already executed", Code: "conflict"})
			return
		}
		_ = json.NewEncoder(w).Encode(distributord.ResultJSON{SubmissionID: "sub-1", Distributed: "30"})
	}))
	defer server.Close()

	t.Setenv("DISTCTL_TOKEN", "relay-token")
	code, stdout, stderr = runCLI(t, "submit", "--plan", planPath, "--endpoint", server.URL+"/")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "batch 0: settled distributed=30 failed=0 submission=sub-1")
	require.Contains(t, stdout, "batch 1: skipped (batch already executed)")
	require.Len(t, calls, 2)
	require.True(t, strings.HasSuffix(calls[0].key, "/0"))
	require.True(t, strings.HasSuffix(calls[1].key, "/1"))

	code, _, stderr = runCLI(t, "submit", "--plan", planPath, "--endpoint", server.URL, "--batch", "5")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "out of range")
}

func TestVerifyRejectsTamperedPlan(t *testing.T) {
	freezeClock(t)
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "recipients.json", `[{"to":"0x00000000000000000000000000000000000000b1","value":"7"},{"to":"0x00000000000000000000000000000000000000b2","value":"8"}]`)
	planPath := filepath.Join(dir, "plan.json")
	code, _, stderr := runCLI(t, "plan", "--recipients", csvPath, "--kind", "erc20", "--asset", "0x000000000000000000000000000000000000000a", "--out", planPath)
	require.Zero(t, code, stderr)

	raw, err := os.ReadFile(planPath)
	require.NoError(t, err)
	var file planFile
	require.NoError(t, json.Unmarshal(raw, &file))
	file.Recipients[1].Value = "9"
	require.NoError(t, writePlan(planPath, &file))

	code, _, stderr = runCLI(t, "verify", "--plan", planPath)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "merkle root mismatch")
}
