// Package main is the branchctl command line.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/emergent-company/branchgraph/internal/cli"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
