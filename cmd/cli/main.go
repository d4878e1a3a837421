package main

import (
	"fmt"
	"os"

	"github.com/ranch-cloud/rcc-ledger/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
