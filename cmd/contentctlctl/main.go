package main

import (
	"fmt"
	"os"

	"contentctl/cmd/contentctlctl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
