package main

import (
	"fmt"
	"os"

	cli "github.com/neboloop/veil/cmd/veil"
)

func main() {
	if err := cli.SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
