// Command recordbase is an operator tool over the record engine. It manages
// collections and records in the configured database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver "sqlite"

	"github.com/asaidimu/go-recordbase/config"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/records"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/postgres"
	"github.com/asaidimu/go-recordbase/sqlite"
)

const envPrefix = "RECORDBASE_"

// engine is everything a command needs, opened once per invocation.
type engine struct {
	cfg         *config.Config
	logger      *zap.Logger
	db          *sql.DB
	persistence *persistence.Persistence
	records     *records.Service
}

func (e *engine) close() {
	if e.records != nil {
		e.records.Close()
	}
	if e.persistence != nil {
		e.persistence.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
	_ = e.logger.Sync()
}

func openEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, logger: logger}

	options := &persistence.InteractorOptions{TablePrefix: cfg.Engine.Prefix}
	var interactor persistence.DatabaseInteractor
	switch cfg.DB.Driver {
	case config.DriverPgx:
		if e.db, err = postgres.Open(ctx, cfg.DB.DSN); err != nil {
			return nil, err
		}
		interactor = postgres.NewInteractor(e.db, logger, options)
	default:
		if e.db, err = sqlite.Open(cfg.DB.Driver, cfg.DB.DSN); err != nil {
			return nil, err
		}
		interactor = sqlite.NewInteractor(e.db, logger, options)
	}
	if cfg.DB.MaxOpenConns > 0 && !sqlite.IsMemory(cfg.DB.DSN) {
		e.db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	}

	evaluator, err := rules.NewEvaluator(rules.WithLogger(logger), rules.WithCacheSize(cfg.Engine.RuleCache))
	if err != nil {
		e.close()
		return nil, err
	}
	e.persistence, err = persistence.NewPersistence(ctx, interactor,
		persistence.WithLogger(logger),
		persistence.WithEvaluator(evaluator),
	)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}
	e.records, err = records.NewService(e.persistence,
		records.WithLogger(logger),
		records.WithMaxExpandDepth(cfg.Engine.ExpandDepth),
		records.WithExpandBatch(cfg.Engine.ExpandBatch),
		records.WithExpandWorkers(cfg.Engine.ExpandWorkers),
	)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// newRootCmd builds the command tree. The returned func releases the engine
// opened by whichever command ran, whether or not it succeeded.
func newRootCmd() (*cobra.Command, func()) {
	var configFile string
	var eng *engine

	root := &cobra.Command{
		Use:           "recordbase",
		Short:         "Manage dynamic collections and their records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envPrefix, configFile)
			if err != nil {
				return err
			}
			eng, err = openEngine(cmd.Context(), cfg)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or .env)")

	get := func() *engine { return eng }
	root.AddCommand(newMigrateCmd(get), newCollectionsCmd(get), newRecordsCmd(get))
	return root, func() {
		if eng != nil {
			eng.close()
			eng = nil
		}
	}
}

func main() {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
