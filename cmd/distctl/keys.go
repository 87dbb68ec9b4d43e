package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"batchsettle/cmd/internal/passphrase"
	"batchsettle/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// resolvePassphrase returns the empty passphrase when no variable is named.
func resolvePassphrase(envVar, label string) (string, error) {
	if strings.TrimSpace(envVar) == "" {
		return "", nil
	}
	return passphrase.NewSource(envVar, label).Get()
}

func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out, passEnv string
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.StringVar(&passEnv, "passphrase-env", "", "environment variable holding the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}
	pass, err := resolvePassphrase(passEnv, "new keystore")
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	return printAccount(stdout, stderr, key.Address())
}

func runAccountCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		return printError(stderr, "account expects exactly one address")
	}
	addr, err := crypto.ParseAccount(args[0])
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printAccount(stdout, stderr, addr)
}

func printAccount(stdout, stderr io.Writer, addr common.Address) int {
	bech, err := crypto.FormatAccount(addr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "hex:    %s\n", addr.Hex())
	fmt.Fprintf(stdout, "bech32: %s\n", bech)
	return 0
}
