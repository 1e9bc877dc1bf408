package main

import (
	"os"

	"filerelay/cmd/relay/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
