package main

import (
	"log"

	"batchsettle/cmd/internal/passphrase"
	"batchsettle/services/distributord"
)

func main() {
	resolve := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar, "relayer keystore").Get()
	}
	if err := distributord.Main(resolve); err != nil {
		log.Fatalf("distributord: %v", err)
	}
}
