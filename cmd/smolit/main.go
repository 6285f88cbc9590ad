package main

import (
	"os"

	"github.com/smolitux/smolit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
