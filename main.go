package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dryRun     bool
	fresh      bool
)

var rootCmd = &cobra.Command{
	Use:          "mssqlferry [config.toml]",
	Short:        "PostgreSQL to SQL Server migration tool",
	Args:         cobra.MaximumNArgs(1),
	Version:      versionString(),
	SilenceUsage: true,
	RunE:         runMigration,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to migration config file (TOML or YAML)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "introspect and write schema.sql without touching SQL Server")
	rootCmd.Flags().BoolVar(&fresh, "fresh", false, "discard checkpoints from previous runs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	// Positional arg takes precedence over --config.
	cfgPath := configPath
	if len(args) > 0 {
		cfgPath = args[0]
	}
	if cfgPath == "" {
		return fmt.Errorf("config file required: mssqlferry <config.toml> or mssqlferry --config <config.toml>")
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg.outputPath("logs"))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("mssqlferry %s: PostgreSQL to SQL Server migration", versionString())
	log.Printf(
		"config: schemas=%v workers=%d writers_per_table=%d batch_size=%d insert_mode=%s on_table_error=%s schema_only=%t checkpoint=%t dry_run=%t",
		cfg.Schemas,
		cfg.Workers,
		cfg.WritersPerTable,
		cfg.BatchSize,
		cfg.Target.InsertMode,
		cfg.OnTableError,
		cfg.SchemaOnly,
		cfg.Checkpoint,
		dryRun,
	)

	// One connection per table worker for streaming, plus one for catalog queries.
	log.Printf("connecting to PostgreSQL...")
	pool, closeSource, err := openSource(ctx, cfg.Source, cfg.Workers+1)
	if err != nil {
		return err
	}
	defer closeSource()
	src := newPostgresSource(pool)

	var target *sql.DB
	if !dryRun {
		log.Printf("connecting to SQL Server...")
		target, err = openTarget(ctx, cfg.Target, cfg.Workers*cfg.WritersPerTable+1)
		if err != nil {
			return err
		}
		defer target.Close()
	}

	script, err := os.Create(cfg.outputPath("schema.sql"))
	if err != nil {
		return fmt.Errorf("create ddl script: %w", err)
	}
	defer script.Close()
	log.Printf("writing DDL to %s", script.Name())

	m := newMigrator(cfg, src, target, script)

	// Checkpoints track data progress, so runs that copy nothing skip them.
	if cfg.Checkpoint && !dryRun && !cfg.SchemaOnly {
		store, err := openCheckpointStore(ctx, cfg.outputPath("state.db"), fresh)
		if err != nil {
			return err
		}
		defer store.Close()
		m.store = store
	}

	_, err = m.run(ctx)
	return err
}

// newMigrator wires the migrator to its source and target. A nil target
// makes a dry run that only writes the DDL script.
func newMigrator(cfg *MigrationConfig, src *postgresSource, target *sql.DB, script io.Writer) *migrator {
	m := &migrator{
		cfg:     cfg,
		catalog: src,
		copier:  newCopier(src, cfg.BatchSize, cfg.WritersPerTable),
	}
	if target == nil {
		m.ddl = newScriptExecer(script, nil)
		return m
	}
	m.ddl = newScriptExecer(script, target)
	m.data = target
	m.newWriter = func(t *Table) batchWriter {
		return newBatchWriter(target, t, cfg.Target.InsertMode)
	}
	return m
}
