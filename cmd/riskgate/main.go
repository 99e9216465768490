package main

import (
	"os"

	"github.com/vitos/crypto_risk_gate/cmd/riskgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
