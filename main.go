package main

import (
	"os"

	"github.com/smallnest/clawrun/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
