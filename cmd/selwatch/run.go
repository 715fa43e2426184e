package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/selwatch"
	"github.com/hazyhaar/selwatch/internal/config"
	"github.com/hazyhaar/selwatch/internal/dbopen"
)

func runCmd(logger func() *slog.Logger) *cobra.Command {
	var opts daemonOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured pages until interrupted",
		Long: `Watch the pages of a YAML config file and/or the watch_selectors table
of an SQLite database. Both sources are reloaded when they change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), logger(), opts)
		},
	}
	opts.flags(cmd)
	return cmd
}

func mcpCmd(logger func() *slog.Logger) *cobra.Command {
	var opts daemonOptions
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the watcher and serve its MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.mcp = true
			return runDaemon(cmd.Context(), logger(), opts)
		},
	}
	opts.flags(cmd)
	return cmd
}

type daemonOptions struct {
	configPath string
	dbPath     string
	mcp        bool
}

func (o *daemonOptions) flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "path to selwatch.yaml")
	cmd.Flags().StringVar(&o.dbPath, "db", "", "SQLite database with a watch_selectors table")
}

// pageSources merges pages from the config file and the database. A
// database page replaces a file page with the same id.
type pageSources struct {
	mu   sync.Mutex
	file []selwatch.PageConfig
	db   []selwatch.PageConfig
}

func (s *pageSources) set(file, db *[]selwatch.PageConfig) []selwatch.PageConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file != nil {
		s.file = *file
	}
	if db != nil {
		s.db = *db
	}

	index := make(map[string]int)
	var out []selwatch.PageConfig
	for _, src := range [][]selwatch.PageConfig{s.file, s.db} {
		for _, p := range src {
			if i, ok := index[p.ID]; ok {
				out[i] = p
				continue
			}
			index[p.ID] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func runDaemon(ctx context.Context, logger *slog.Logger, o daemonOptions) error {
	if o.configPath == "" && o.dbPath == "" {
		return errors.New("one of --config or --db is required")
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	var src pageSources
	filePages := cfg.Pages
	cfg.Pages = src.set(&filePages, nil)

	var db *sql.DB
	if o.dbPath != "" {
		db, err = dbopen.Open(o.dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(config.Schema))
		if err != nil {
			return fmt.Errorf("open watch db: %w", err)
		}
		defer db.Close()

		dbPages, err := config.LoadPages(ctx, db)
		if err != nil {
			return err
		}
		cfg.Pages = src.set(nil, &dbPages)
	}

	// Stdout carries the MCP protocol in mcp mode.
	var out io.Writer = os.Stdout
	if o.mcp {
		out = os.Stderr
	}
	sinks, err := selwatch.OpenSinks(cfg.Sinks, out, logger)
	if err != nil {
		return err
	}

	w := selwatch.New(cfg, logger, sinks)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer w.Stop()

	if o.configPath != "" {
		go func() {
			err := config.WatchFile(ctx, o.configPath, logger, func(c *selwatch.Config) {
				w.Apply(ctx, src.set(&c.Pages, nil))
			})
			if err != nil {
				logger.Error("selwatch: config watch stopped", "error", err)
			}
		}()
	}
	if db != nil {
		go config.WatchSelectors(db, logger).OnChange(ctx, func() error {
			pages, err := config.LoadPages(ctx, db)
			if err != nil {
				return err
			}
			w.Apply(ctx, src.set(nil, &pages))
			return nil
		})
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("selwatch: admin http listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("selwatch: admin http", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	if o.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "selwatch", Version: version}, nil)
		w.RegisterMCP(srv)
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

func loadConfig(path string) (*selwatch.Config, error) {
	if path == "" {
		return selwatch.ParseConfig([]byte("{}"))
	}
	cfg, err := selwatch.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
