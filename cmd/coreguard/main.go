package main

import (
	"os"

	"github.com/coreguard/coreguard/cmd/coreguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
