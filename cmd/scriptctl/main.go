package main

import (
	"fmt"
	"os"

	"scriptgate.org/cmd/scriptctl/cli"
)

// Set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := cli.Execute(version, commit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
