// Package dbbatch implements a database batch executor: a dependency DAG
// of insert/update/upsert/delete operations run under one of three
// scheduling strategies, with optional transaction+rollback and progress
// reporting. Its dependency graph generalizes a parent/child job-link
// concept from job-to-job links into operation-to-operation links within
// a single batch.
package dbbatch

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"contentctl/pkg/models"
)

// Strategy selects how independent operations are scheduled.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategySmart      Strategy = "smart"
)

const (
	maxBatchSize          = 10000
	maxOperationPayload    = 10 * 1024 * 1024
	defaultDepPollInterval = 100 * time.Millisecond
	defaultDepTimeout      = 30 * time.Second
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Errors surfaced on the critical path.
var (
	ErrBatchTooLarge      = fmt.Errorf("dbbatch: batch exceeds max size of %d operations", maxBatchSize)
	ErrPayloadTooLarge    = fmt.Errorf("dbbatch: operation payload exceeds %d bytes", maxOperationPayload)
	ErrInvalidTableName   = fmt.Errorf("dbbatch: table name must match %s", tableNamePattern.String())
	ErrCyclicDependency   = fmt.Errorf("dbbatch: dependency graph contains a cycle")
	ErrMissingDependency  = fmt.Errorf("dbbatch: operation references an unknown dependency")
	ErrDependencyTimeout  = fmt.Errorf("dbbatch: timed out waiting for dependencies")
)

// DependencyError is returned for an operation whose parent failed; it is
// batch-only and surfaced with the failed parent's id.
type DependencyError struct {
	OperationID string
	ParentID    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dbbatch: operation %s failed because dependency %s errored", e.OperationID, e.ParentID)
}

// RetryOverride lets a single operation override the batch-level retry
// options.
type RetryOverride struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// Operation wraps models.BatchOperation with an optional retry override.
type Operation struct {
	models.BatchOperation
	Retry *RetryOverride
}

// opState tracks one operation's runtime status within a batch run.
type opState string

const (
	opPending   opState = "pending"
	opRunning   opState = "running"
	opCompleted opState = "completed"
	opErrored   opState = "errors"
)

// Progress is emitted at completion (and may be emitted mid-flight) to
// subscribed callbacks.
type Progress struct {
	Total                  int
	Completed              int
	Failed                 int
	Percentage             float64
	EstimatedTimeRemaining time.Duration
}

// Config controls batch behavior: strategy, enableTransactions, enableRollback.
type Config struct {
	Strategy            Strategy
	EnableTransactions  bool
	EnableRollback      bool
	DependencyPoll      time.Duration
	DependencyTimeout   time.Duration
	GlobalTimeout       time.Duration
	ProgressCallback    func(Progress)
	CorrelationID       string
}

func (c *Config) withDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategySmart
	}
	if c.DependencyPoll <= 0 {
		c.DependencyPoll = defaultDepPollInterval
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = defaultDepTimeout
	}
}

// preImage captures a row's prior state for rollback.
type preImage struct {
	op   *Operation
	rows []map[string]interface{}
}

// Batch accumulates operations and executes them against a *gorm.DB.
type Batch struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    Config

	mu    sync.Mutex
	ops   []*Operation
	state map[string]opState
}

// New constructs a Batch bound to db.
func New(db *gorm.DB, cfg Config, logger *zap.Logger) *Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()
	return &Batch{db: db, logger: logger, cfg: cfg, state: make(map[string]opState)}
}

// Add appends an operation to the batch. Batch size, table name and payload
// size are checked here; dependency references and cycles are checked by
// Validate and Execute, so operations may be added in any order.
func (b *Batch) Add(op Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ops) >= maxBatchSize {
		return ErrBatchTooLarge
	}
	if !tableNamePattern.MatchString(op.Table) {
		return ErrInvalidTableName
	}
	if payloadSize(op.Values)+payloadSize(op.Where) > maxOperationPayload {
		return ErrPayloadTooLarge
	}
	b.ops = append(b.ops, &op)
	b.state[op.ID] = opPending
	return nil
}

func payloadSize(m map[string]interface{}) int {
	size := 0
	for k, v := range m {
		size += len(k) + len(fmt.Sprintf("%v", v))
	}
	return size
}

// Validate rejects missing dependency references and DAG cycles without
// executing anything, so callers can check a batch before committing to a
// strategy: any cycle is detected before any operation executes.
func (b *Batch) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validateDAG()
}

func (b *Batch) validateDAG() error {
	index := make(map[string]*Operation, len(b.ops))
	for _, op := range b.ops {
		index[op.ID] = op
	}
	for _, op := range b.ops {
		for _, dep := range op.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: %s depends on unknown %s", ErrMissingDependency, op.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.ops))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: at %s", ErrCyclicDependency, id)
		}
		color[id] = gray
		for _, dep := range index[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, op := range b.ops {
		if err := visit(op.ID); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the batch under the configured strategy, returning a
// per-operation error map (nil entries mean success) and the final
// progress snapshot.
func (b *Batch) Execute(ctx context.Context) (map[string]error, Progress, error) {
	b.mu.Lock()
	ops := append([]*Operation(nil), b.ops...)
	b.mu.Unlock()

	if err := b.validateDAG(); err != nil {
		return nil, Progress{}, err
	}

	if b.cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.GlobalTimeout)
		defer cancel()
	}

	results := make(map[string]error, len(ops))
	var resultsMu sync.Mutex
	var preImages []preImage
	var preImagesMu sync.Mutex
	start := time.Now()

	runOp := func(op *Operation) error {
		if err := b.waitForDependencies(ctx, op, &resultsMu, results); err != nil {
			return err
		}
		pre, err := b.capturePreImage(ctx, op)
		if err != nil {
			b.logger.Warn("failed to capture pre-image", zap.Error(err), zap.String("operation_id", op.ID))
		} else if pre != nil {
			preImagesMu.Lock()
			preImages = append(preImages, *pre)
			preImagesMu.Unlock()
		}
		return b.applyOperation(ctx, b.db, op)
	}

	var execErr error
	switch b.cfg.Strategy {
	case StrategySequential:
		execErr = b.runSequential(ctx, ops, runOp, &resultsMu, results)
	case StrategyParallel:
		execErr = b.runParallel(ctx, ops, runOp, &resultsMu, results)
	default:
		execErr = b.runSmart(ctx, ops, runOp, &resultsMu, results)
	}

	progress := b.computeProgress(results, len(ops), start)
	if b.cfg.ProgressCallback != nil {
		b.cfg.ProgressCallback(progress)
	}

	if execErr != nil && b.cfg.EnableRollback {
		b.rollback(context.Background(), preImages)
	}

	return results, progress, execErr
}

func (b *Batch) computeProgress(results map[string]error, total int, start time.Time) Progress {
	completed, failed := 0, 0
	for _, err := range results {
		if err != nil {
			failed++
		} else {
			completed++
		}
	}
	done := completed + failed
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	var eta time.Duration
	if done > 0 && done < total {
		elapsed := time.Since(start)
		perOp := elapsed / time.Duration(done)
		eta = perOp * time.Duration(total-done)
	}
	return Progress{Total: total, Completed: completed, Failed: failed, Percentage: pct, EstimatedTimeRemaining: eta}
}

// waitForDependencies polls (at the package's 100ms/30s defaults) until every
// parent of op is completed, or fails fast with DependencyError if any
// parent errored.
func (b *Batch) waitForDependencies(ctx context.Context, op *Operation, mu *sync.Mutex, results map[string]error) error {
	if len(op.DependsOn) == 0 {
		return nil
	}
	deadline := time.Now().Add(b.cfg.DependencyTimeout)
	ticker := time.NewTicker(b.cfg.DependencyPoll)
	defer ticker.Stop()

	for {
		allDone := true
		mu.Lock()
		for _, parentID := range op.DependsOn {
			parentErr, done := results[parentID]
			if !done {
				allDone = false
				continue
			}
			if parentErr != nil {
				mu.Unlock()
				return &DependencyError{OperationID: op.ID, ParentID: parentID}
			}
		}
		mu.Unlock()
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDependencyTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Batch) runSequential(ctx context.Context, ops []*Operation, runOp func(*Operation) error, mu *sync.Mutex, results map[string]error) error {
	var firstErr error
	for _, op := range ops {
		err := runOp(op)
		mu.Lock()
		results[op.ID] = err
		mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Batch) runParallel(ctx context.Context, ops []*Operation, runOp func(*Operation) error, mu *sync.Mutex, results map[string]error) error {
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	for _, op := range ops {
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			err := runOp(op)
			mu.Lock()
			results[op.ID] = err
			mu.Unlock()
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(op)
	}
	wg.Wait()
	return firstErr
}

// runSmart coalesces same-table insert/upsert operations into a single
// call, runs update/delete concurrently, and orders insert/upsert →
// update → delete when transactions are enabled.
func (b *Batch) runSmart(ctx context.Context, ops []*Operation, runOp func(*Operation) error, mu *sync.Mutex, results map[string]error) error {
	var inserts, updates, deletes []*Operation
	for _, op := range ops {
		switch op.Type {
		case models.OpInsert, models.OpUpsert:
			inserts = append(inserts, op)
		case models.OpUpdate:
			updates = append(updates, op)
		case models.OpDelete:
			deletes = append(deletes, op)
		}
	}

	runInserts := func() error {
		return b.coalesceInserts(ctx, inserts, mu, results)
	}
	runUpdatesDeletes := func() error {
		rest := append(append([]*Operation(nil), updates...), deletes...)
		return b.runParallel(ctx, rest, runOp, mu, results)
	}

	if !b.cfg.EnableTransactions {
		var wg sync.WaitGroup
		var firstErr error
		var errMu sync.Mutex
		record := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
		}
		if len(inserts) > 0 {
			wg.Add(1)
			go func() { defer wg.Done(); record(runInserts()) }()
		}
		if len(updates)+len(deletes) > 0 {
			wg.Add(1)
			go func() { defer wg.Done(); record(runUpdatesDeletes()) }()
		}
		wg.Wait()
		return firstErr
	}

	// Transactions enabled: insert/upsert → update → delete, in order.
	if err := runInserts(); err != nil {
		return err
	}
	if err := b.runParallel(ctx, updates, runOp, mu, results); err != nil {
		return err
	}
	return b.runParallel(ctx, deletes, runOp, mu, results)
}

// coalesceInserts groups same-table insert/upsert operations into a single
// batched Create call per table. Each group first waits for the
// dependencies of all its operations; if one of those waits fails, that
// operation records the error and the group's Create is not issued. There
// is no per-operation fallback.
func (b *Batch) coalesceInserts(ctx context.Context, inserts []*Operation, mu *sync.Mutex, results map[string]error) error {
	if len(inserts) == 0 {
		return nil
	}
	byTable := make(map[string][]*Operation)
	for _, op := range inserts {
		byTable[op.Table] = append(byTable[op.Table], op)
	}

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	for _, group := range byTable {
		wg.Add(1)
		go func(group []*Operation) {
			defer wg.Done()
			for _, op := range group {
				if err := b.waitForDependencies(ctx, op, mu, results); err != nil {
					mu.Lock()
					results[op.ID] = err
					mu.Unlock()
					record(err)
					return
				}
			}
			rows := make([]map[string]interface{}, len(group))
			for i, op := range group {
				rows[i] = op.Values
			}
			tx := b.db.WithContext(ctx).Table(group[0].Table)
			var err error
			if group[0].Type == models.OpUpsert {
				err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
			} else {
				err = tx.Create(&rows).Error
			}
			mu.Lock()
			for _, op := range group {
				results[op.ID] = err
			}
			mu.Unlock()
			record(err)
		}(group)
	}
	wg.Wait()
	return firstErr
}

// capturePreImage runs a SELECT * with the operation's filter before a
// mutating update/delete, so rollback can restore prior state.
func (b *Batch) capturePreImage(ctx context.Context, op *Operation) (*preImage, error) {
	if !b.cfg.EnableRollback {
		return nil, nil
	}
	if op.Type != models.OpUpdate && op.Type != models.OpDelete {
		return nil, nil
	}
	var rows []map[string]interface{}
	tx := b.db.WithContext(ctx).Table(op.Table)
	for k, v := range op.Where {
		tx = tx.Where(fmt.Sprintf("%s = ?", k), v)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return &preImage{op: op, rows: rows}, nil
}

// applyOperation executes a single operation against db. Every strategy
// passes the batch's own *gorm.DB; no transaction handle is used.
func (b *Batch) applyOperation(ctx context.Context, db *gorm.DB, op *Operation) error {
	tx := db.WithContext(ctx).Table(op.Table)
	switch op.Type {
	case models.OpInsert:
		return tx.Create(op.Values).Error
	case models.OpUpsert:
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(op.Values).Error
	case models.OpUpdate:
		q := tx
		for k, v := range op.Where {
			q = q.Where(fmt.Sprintf("%s = ?", k), v)
		}
		return q.Updates(op.Values).Error
	case models.OpDelete:
		q := tx
		for k, v := range op.Where {
			q = q.Where(fmt.Sprintf("%s = ?", k), v)
		}
		return q.Delete(nil).Error
	default:
		return fmt.Errorf("dbbatch: unknown operation type %q", op.Type)
	}
}

// rollback iterates captured pre-images in reverse order, re-inserting
// deletes and re-updating rows by id; failures are logged and skipped so
// they never mask the original error.
func (b *Batch) rollback(ctx context.Context, images []preImage) {
	for i := len(images) - 1; i >= 0; i-- {
		img := images[i]
		for _, row := range img.rows {
			var err error
			switch img.op.Type {
			case models.OpDelete:
				err = b.db.WithContext(ctx).Table(img.op.Table).Create(row).Error
			case models.OpUpdate:
				id, ok := row["id"]
				if !ok {
					continue
				}
				err = b.db.WithContext(ctx).Table(img.op.Table).Where("id = ?", id).Updates(row).Error
			}
			if err != nil {
				b.logger.Warn("rollback failed for operation, skipping",
					zap.Error(err), zap.String("operation_id", img.op.ID), zap.String("table", img.op.Table))
			}
		}
	}
}
