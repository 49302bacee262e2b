package main

import (
	"os"

	"github.com/svcgate/svcgate/cmd/svcgate/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
