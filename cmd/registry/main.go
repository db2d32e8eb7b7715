package main

import (
	"os"

	"github.com/meridianhq/image-registry/registry"
	_ "github.com/meridianhq/image-registry/registry/auth/token"
	_ "go.uber.org/automaxprocs"
)

func main() {
	// nolint: revive // deep-exit
	if err := registry.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
