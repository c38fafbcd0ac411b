package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/config"
	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/observability"
)

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

// newMCPServer registers the waterfall tools on a fresh MCP server.
func newMCPServer(ts *ToolServer, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openmediation",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_waterfall",
		Description: "List the mediation waterfalls per ad type in the order networks are tried",
		InputSchema: object(map[string]interface{}{
			"ad_type": prop("string", "Ad type filter such as banner or interstitial|video (optional)"),
		}),
	}, ts.ListWaterfall)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_network_enabled",
		Description: "Enable or disable an ad network for every ad type",
		InputSchema: object(map[string]interface{}{
			"network": prop("string", "Network name"),
			"enabled": prop("boolean", "Whether the network takes part in waterfalls"),
		}, "network", "enabled"),
	}, ts.SetNetworkEnabled)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upsert_waterfall_entry",
		Description: "Add or update one network's position in a single ad type's waterfall",
		InputSchema: object(map[string]interface{}{
			"network":      prop("string", "Network name, must already exist"),
			"ad_type":      prop("string", "Exactly one ad type"),
			"priority":     prop("integer", "Lower priorities run first"),
			"floor_cpm":    prop("number", "Minimum price the network must beat"),
			"placement_id": prop("string", "Block id on the network side"),
			"enabled":      prop("boolean", "Defaults to true"),
		}, "network", "ad_type", "priority"),
	}, ts.UpsertWaterfallEntry)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "validate_waterfall",
		Description: "Check a YAML waterfall document without storing it",
		InputSchema: object(map[string]interface{}{
			"yaml": prop("string", "Waterfall document in the waterfall file format"),
		}, "yaml"),
	}, ts.ValidateWaterfall)

	return server
}

func main() {
	logger, err := observability.NewStderrLogger("openmediation-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	var n notifier
	if cfg.RedisAddr != "" {
		rs, err := db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("Redis unavailable, servers will pick up changes on their next reload", zap.Error(err))
		} else {
			defer rs.Close()
			n = rs
		}
	}

	server := newMCPServer(NewToolServer(pg, n, logger), cfg.Version)
	logger.Info("Starting MCP server on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logger.Error("MCP server stopped", zap.Error(err))
	}
}
