package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// migrator runs one migration from a PostgreSQL catalog into SQL Server.
type migrator struct {
	cfg     *MigrationConfig
	catalog catalogReader
	copier  *copier
	// ddl receives every DDL statement and hook batch.
	ddl sqlExecer
	// data clears partially copied tables on resume. Nil on dry runs.
	data sqlExecer
	// newWriter returns the batch writer for one table. Nil on dry runs.
	newWriter func(t *Table) batchWriter
	store     *checkpointStore
}

// tableResult is the outcome of one table.
type tableResult struct {
	Ref     TableRef
	Stage   tableStage
	Rows    int64
	Batches int64
	Resumed bool
	// Skipped is set when the table's constraints were not added because a
	// referenced table failed.
	Skipped string
	Err     error
}

type migrationSummary struct {
	Tables []*tableResult
	Failed int
}

func (s *migrationSummary) result(ref TableRef) *tableResult {
	for _, r := range s.Tables {
		if r.Ref == ref {
			return r
		}
	}
	return nil
}

func (m *migrator) copyData() bool {
	return !m.cfg.SchemaOnly && m.newWriter != nil
}

// run executes every phase and returns the per-table summary. The error is
// non-nil when any table failed or a fatal step (introspection, schemas,
// hooks) did not complete.
func (m *migrator) run(ctx context.Context) (*migrationSummary, error) {
	start := time.Now()

	log.Printf("introspecting schemas %v...", m.cfg.Schemas)
	schema, err := introspectSchema(ctx, m.catalog, m.cfg.Schemas)
	if err != nil {
		return nil, err
	}
	log.Printf("found %d tables", len(schema.Tables))
	for _, t := range schema.Tables {
		log.Printf("  %s (%d cols, %d indexes, %d fks)", t.Ref, len(t.Columns), len(t.Indexes), len(t.ForeignKeys))
	}

	objs, err := m.catalog.ListSourceObjects(ctx, m.cfg.Schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect source objects: %w", err)
	}
	m.reportWarnings(schema, objs)

	summary := &migrationSummary{}
	if len(schema.Tables) == 0 {
		log.Printf("nothing to migrate")
		return summary, nil
	}

	plan := buildPlan(schema)
	plan.logSummary()

	byRef := make(map[TableRef]*Table, len(schema.Tables))
	for _, t := range schema.Tables {
		byRef[t.Ref] = t
	}
	results := make(map[TableRef]*tableResult, len(plan.Order))
	for _, ref := range plan.Order {
		r := &tableResult{Ref: ref}
		results[ref] = r
		summary.Tables = append(summary.Tables, r)
	}

	prev, err := m.store.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.beginRun(ctx); err != nil {
		return nil, err
	}

	err = m.runPhases(ctx, plan, byRef, results, prev)

	for _, r := range summary.Tables {
		if r.Err != nil {
			summary.Failed++
		}
	}
	m.logSummary(summary, time.Since(start))

	status := "completed"
	switch {
	case err != nil:
		status = "aborted"
	case summary.Failed > 0:
		status = "failed"
	}
	if ferr := m.store.finishRun(context.WithoutCancel(ctx), status); ferr != nil {
		log.Printf("  WARNING: %v", ferr)
	}

	if err != nil {
		return summary, err
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d tables failed", summary.Failed, len(summary.Tables))
	}
	return summary, nil
}

func (m *migrator) runPhases(ctx context.Context, plan *migrationPlan, byRef map[TableRef]*Table, results map[TableRef]*tableResult, prev map[TableRef]tableCheckpoint) error {
	log.Printf("preparing target schemas...")
	tables := make([]*Table, 0, len(plan.Order))
	for _, ref := range plan.Order {
		tables = append(tables, byRef[ref])
	}
	if err := ensureSchemas(ctx, m.ddl, tables); err != nil {
		return err
	}

	if err := loadAndExecSQLFiles(ctx, m.ddl, m.cfg, m.cfg.Hooks.BeforeData, "before_data"); err != nil {
		return err
	}

	if m.copyData() {
		log.Printf("migrating tables with %d workers...", m.cfg.Workers)
	} else {
		log.Printf("creating tables with %d workers (no data)...", m.cfg.Workers)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.Workers, 1))
	for _, ref := range plan.Order {
		t, res := byRef[ref], results[ref]
		cp, resumed := prev[ref]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				res.Err = fmt.Errorf("not started: %w", err)
				return err
			}
			var from *tableCheckpoint
			if resumed {
				from = &cp
			}
			err := m.migrateTable(gctx, t, res, from)
			if err == nil {
				return nil
			}
			res.Err = err
			log.Printf("  ERROR: %s: %v", t.Ref, err)
			m.checkpoint(ctx, res)
			if m.cfg.OnTableError == "abort" || errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", t.Ref, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := loadAndExecSQLFiles(ctx, m.ddl, m.cfg, m.cfg.Hooks.BeforeFk, "before_fk"); err != nil {
		return err
	}

	log.Printf("adding foreign keys...")
	for _, ref := range plan.Order {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := results[ref]
		if res.Err != nil || res.Stage < stageIndexesCreated || res.Stage >= stageForeignKeysCreated {
			continue
		}
		if failed := firstFailed(plan.DependsOn[ref], results); failed != nil {
			res.Skipped = fmt.Sprintf("referenced table %s failed", failed.Ref)
			log.Printf("  skipping constraints of %s: %s", ref, res.Skipped)
			continue
		}
		if err := runTableSteps(ctx, m.ddl, byRef[ref], constraintSteps); err != nil {
			res.Err = err
			log.Printf("  ERROR: %s: %v", ref, err)
			m.checkpoint(ctx, res)
			if m.cfg.OnTableError == "abort" || errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", ref, err)
			}
			continue
		}
		res.Stage = stageForeignKeysCreated
		m.checkpoint(ctx, res)
	}

	return loadAndExecSQLFiles(ctx, m.ddl, m.cfg, m.cfg.Hooks.AfterAll, "after_all")
}

// firstFailed returns the first referenced table that never got its indexes.
// A table whose own constraint step failed still has its keys, so foreign
// keys pointing at it can be added.
func firstFailed(refs []TableRef, results map[TableRef]*tableResult) *tableResult {
	for _, ref := range refs {
		if r := results[ref]; r != nil && r.Stage < stageIndexesCreated {
			return r
		}
	}
	return nil
}

// migrateTable creates, fills and indexes one table, resuming after the last
// checkpointed stage when from is set.
func (m *migrator) migrateTable(ctx context.Context, t *Table, res *tableResult, from *tableCheckpoint) error {
	if from != nil {
		res.Stage = from.Stage
		res.Rows = from.RowsCopied
		res.Batches = from.Batches
	}

	if res.Stage >= stageDataCopied {
		res.Resumed = true
		log.Printf("  %s: resuming at stage %s", t.Ref, res.Stage)
	} else {
		interrupted := res.Stage == stageTableCreated

		if err := createTable(ctx, m.ddl, t, m.cfg.TypeMapping); err != nil {
			return err
		}
		res.Stage = stageTableCreated
		m.checkpoint(ctx, res)

		if m.copyData() {
			if interrupted {
				log.Printf("  %s: clearing rows from interrupted copy", t.Ref)
				if err := clearTable(ctx, m.data, t); err != nil {
					return err
				}
			}
			res.Rows, res.Batches = 0, 0
			// onBatch runs on writer goroutines, so it saves without touching res.
			cr, err := m.copier.copyTable(ctx, t, m.newWriter(t), func(copied, batches int64) {
				m.save(ctx, tableCheckpoint{
					Schema: t.Ref.Schema, Table: t.Ref.Name, Stage: stageTableCreated,
					RowsCopied: copied, Batches: batches,
				})
			})
			res.Rows, res.Batches = cr.Copied, cr.Batches
			if err != nil {
				return fmt.Errorf("copy data: %w", err)
			}
		}
		res.Stage = stageDataCopied
		m.checkpoint(ctx, res)
	}

	if res.Stage < stageIndexesCreated {
		if err := createIndexes(ctx, m.ddl, t); err != nil {
			return err
		}
		res.Stage = stageIndexesCreated
		m.checkpoint(ctx, res)
	}
	return nil
}

// checkpoint persists res. Failures are logged, not fatal; the run still
// completes without resume state for the table.
func (m *migrator) checkpoint(ctx context.Context, res *tableResult) {
	cp := tableCheckpoint{
		Schema:     res.Ref.Schema,
		Table:      res.Ref.Name,
		Stage:      res.Stage,
		RowsCopied: res.Rows,
		Batches:    res.Batches,
	}
	if res.Err != nil {
		cp.Error = res.Err.Error()
	}
	m.save(ctx, cp)
}

func (m *migrator) save(ctx context.Context, cp tableCheckpoint) {
	if err := m.store.save(context.WithoutCancel(ctx), cp); err != nil {
		log.Printf("  WARNING: %v", err)
	}
}

func (m *migrator) reportWarnings(schema *Schema, objs *SourceObjects) {
	report := func(title string, warnings []string) {
		if len(warnings) == 0 {
			return
		}
		log.Printf("%s: %d item(s) may require manual handling", title, len(warnings))
		for _, w := range warnings {
			log.Printf("  WARN: %s", w)
		}
	}
	report("index compatibility report", collectIndexCompatibilityWarnings(schema))
	report("generated column report", collectGeneratedColumnWarnings(schema))
	report("type fallback report", collectTypeFallbackWarnings(schema))
	report("collation report", collectCollationWarnings(schema, m.cfg.TypeMapping))
	if objs != nil && !objs.empty() {
		for _, w := range sourceObjectWarnings(objs) {
			log.Printf("  WARN: %s", w)
		}
	}
}

func (m *migrator) logSummary(s *migrationSummary, elapsed time.Duration) {
	log.Printf("summary:")
	for _, r := range s.Tables {
		line := fmt.Sprintf("  %-40s %-22s %12s rows", r.Ref, r.Stage, humanize.Comma(r.Rows))
		switch {
		case r.Err != nil:
			line += "  FAILED: " + r.Err.Error()
		case r.Skipped != "":
			line += "  SKIPPED: " + r.Skipped
		case r.Resumed:
			line += "  (resumed)"
		}
		log.Print(line)
	}
	if s.Failed > 0 {
		log.Printf("migration finished with %d failed table(s) in %s", s.Failed, elapsed.Round(time.Millisecond))
		return
	}
	log.Printf("migration completed in %s", elapsed.Round(time.Millisecond))
}
