// Command migrate brings a database up to date with the system tables and
// prints the collections the engine sees.
package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"cms-engine/internal/config"
	"cms-engine/internal/engine"
	"cms-engine/internal/logger"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	defer log.Sync() //nolint:errcheck

	// 2. Connect and migrate
	e, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("start engine", "error", err)
	}
	defer e.Close()
	log.Infow("system tables ready", "driver", cfg.Database.Driver, "database", cfg.Database.Name)

	// 3. Report the schema
	ov, err := e.Schema(ctx)
	if err != nil {
		log.Fatalw("load schema", "error", err)
	}
	var user []string
	for name, c := range ov.Collections {
		if !c.System {
			user = append(user, name)
		}
	}
	slices.Sort(user)
	log.Infow("schema loaded",
		"collections", len(ov.Collections),
		"relations", len(ov.Relations),
		"user_collections", strings.Join(user, ","))
}

// load reads the file named by the first argument, or app.yaml from the
// default search paths.
func load() (*config.Config, error) {
	if len(os.Args) > 1 {
		return config.LoadFrom(os.Args[1])
	}
	return config.Load()
}
