package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/eliasbenb/plexanibridge/internal/config"
	"github.com/eliasbenb/plexanibridge/internal/core"
)

// openRuntime builds the runtime for one-shot subcommands. They operate on
// the same data directory as the daemon; stop the daemon first to avoid
// writing the database concurrently.
func openRuntime() (*core.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return core.New(cfg, logger)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
