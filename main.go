// p4switch - software switch node with a registry-driven control channel.
package main

import (
	"context"
	"fmt"
	"os"

	"p4switch/cmd"
)

func main() {
	// SIGINT and SIGTERM belong to the shutdown coordinator, which
	// cleans up and re-raises them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "p4switch: %v\n", err)
		os.Exit(1)
	}
}
