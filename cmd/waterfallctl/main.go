// Command waterfallctl manages the mediation setup stored in Postgres.
package main

import (
	"fmt"
	"os"

	"github.com/patrickwarner/openmediation/internal/config"
	"github.com/patrickwarner/openmediation/internal/observability"
)

func main() {
	logger, err := observability.NewStderrLogger("waterfallctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	c := &cli{cfg: config.Load(), logger: logger}
	defer c.close()

	if err := newRootCmd(c).Execute(); err != nil {
		os.Exit(1)
	}
}
