package main

import (
	"context"
	"fmt"
	"os"

	pde "github.com/corymhall/pulumi-provider-pde/provider"
)

func main() {
	provider, err := pde.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	if err := provider.Run(context.Background(), pde.Name, pde.Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
