package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Provider keys may live in a local .env during development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
