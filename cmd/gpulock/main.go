package main

import (
	"os"

	"github.com/tezrry/gpulock/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Errorf("gpulock: %v", err)
		logging.Cleanup()
		os.Exit(1)
	}
	logging.Cleanup()
}
