package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coral-mesh/reqprof/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
