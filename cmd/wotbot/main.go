package main

import (
	"os"

	"github.com/isdmx/wotbot/sandbox"
)

func main() {
	// Must run before anything else: a worker process has no config and
	// talks over stdin/stdout.
	sandbox.MaybeRunWorker()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
