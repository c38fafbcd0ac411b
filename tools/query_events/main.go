package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/openmediation/internal/analytics"
	"github.com/patrickwarner/openmediation/internal/config"
	"github.com/patrickwarner/openmediation/internal/observability"
	"github.com/patrickwarner/openmediation/internal/reporting"
)

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	logger, err := observability.NewStderrLogger("query-events")
	if err != nil {
		fail("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	var id, dsn string
	var hours int
	flag.StringVar(&id, "id", "", "request ID whose lifecycle to print")
	flag.IntVar(&hours, "report", 0, "print the mediation report for the last N hours instead")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN (defaults to CLICKHOUSE_DSN)")
	flag.Parse()

	if id == "" && hours <= 0 {
		fail("-id or -report required")
	}
	if dsn == "" {
		dsn = config.Load().ClickHouseDSN
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := analytics.InitClickHouse(ctx, dsn, observability.NewNoOpRegistry(), 2, 1, 5*time.Minute, time.Minute)
	if err != nil {
		fail("connect clickhouse: %v", err)
	}
	defer a.Close()

	var out any
	if hours > 0 {
		out, err = reporting.Generate(ctx, a.DB, hours)
	} else {
		out, err = a.EventsByRequestID(ctx, id)
	}
	if err != nil {
		fail("query: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fail("encode: %v", err)
	}
}
