package main

import (
	"context"
	"os"
)

func main() {
	// cobra prints the error itself; SilenceUsage keeps the output short.
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
