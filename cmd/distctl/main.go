package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

var distctlNow = time.Now

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygenCommand(args[1:], stdout, stderr)
	case "account":
		return runAccountCommand(args[1:], stdout, stderr)
	case "plan":
		return runPlanCommand(args[1:], stdout, stderr)
	case "sign":
		return runSignCommand(args[1:], stdout, stderr)
	case "verify":
		return runVerifyCommand(args[1:], stdout, stderr)
	case "proof":
		return runProofCommand(args[1:], stdout, stderr)
	case "submit":
		return runSubmitCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: distctl <command> [flags]",
		"",
		"Commands:",
		"  keygen   --out <keystore> [--passphrase-env VAR]",
		"  account  <0x-address|bs1-account>",
		"  plan     --recipients <file.csv|file.json> --kind <kind> --asset <addr> --out <plan.json> [--batch-size N] [--deadline +24h|RFC3339|unix]",
		"  sign     --plan <plan.json> --keystore <keystore> [--passphrase-env VAR]",
		"  verify   --plan <plan.json>",
		"  proof    --plan <plan.json> --index <global-index>",
		"  submit   --plan <plan.json> --endpoint <url> [--batch N] [--token-env VAR]",
	}, "\n")
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}
