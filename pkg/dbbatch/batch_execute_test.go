package dbbatch_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	. "contentctl/pkg/dbbatch"
	"contentctl/pkg/models"
)

// widget is the table Execute's tests run against; AutoMigrate gives us a
// real schema without a live Postgres instance.
type widget struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory sqlite: %v", err)
	}
	if err := db.AutoMigrate(&widget{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func insertOp(id, table, rowID, name string, dependsOn ...string) Operation {
	return Operation{BatchOperation: models.BatchOperation{
		ID: id, Type: models.OpInsert, Table: table,
		Values:    map[string]interface{}{"id": rowID, "name": name},
		DependsOn: dependsOn,
	}}
}

func updateOp(id, table, rowID, name string, dependsOn ...string) Operation {
	return Operation{BatchOperation: models.BatchOperation{
		ID: id, Type: models.OpUpdate, Table: table,
		Values:    map[string]interface{}{"name": name},
		Where:     map[string]interface{}{"id": rowID},
		DependsOn: dependsOn,
	}}
}

func TestExecute_SequentialRunsAllOperations(t *testing.T) {
	db := openTestDB(t)
	b := New(db, Config{Strategy: StrategySequential}, nil)

	if err := b.Add(insertOp("a", "widgets", "1", "first")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(insertOp("b", "widgets", "2", "second")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, progress, err := b.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected execution error: %v", err)
	}
	if results["a"] != nil || results["b"] != nil {
		t.Fatalf("expected both operations to succeed, got %v", results)
	}
	if progress.Completed != 2 || progress.Failed != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	var count int64
	db.Model(&widget{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", count)
	}
}

// A child operation must not run until its parent's result is recorded,
// even under the parallel strategy where nothing else serializes them.
func TestExecute_WaitsForDependencyBeforeRunningChild(t *testing.T) {
	db := openTestDB(t)
	b := New(db, Config{Strategy: StrategyParallel}, nil)

	if err := b.Add(insertOp("parent", "widgets", "1", "original")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(updateOp("child", "widgets", "1", "updated", "parent")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, _, err := b.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected execution error: %v", err)
	}
	if results["parent"] != nil || results["child"] != nil {
		t.Fatalf("expected both operations to succeed, got %v", results)
	}

	var w widget
	if err := db.First(&w, "id = ?", "1").Error; err != nil {
		t.Fatalf("failed to read back row: %v", err)
	}
	if w.Name != "updated" {
		t.Fatalf("expected child's update to apply after parent's insert, got name %q", w.Name)
	}
}

// A failed parent must fail its dependents with DependencyError rather
// than letting them run against a row that was never created.
func TestExecute_DependencyErrorWhenParentFails(t *testing.T) {
	db := openTestDB(t)
	b := New(db, Config{Strategy: StrategyParallel}, nil)

	// "missing_table" is a syntactically valid identifier that was never
	// migrated, so the insert fails at the database layer.
	if err := b.Add(insertOp("parent", "missing_table", "1", "x")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(updateOp("child", "widgets", "1", "y", "parent")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, _, err := b.Execute(context.Background())
	if err == nil {
		t.Fatal("expected Execute to report an error")
	}
	if results["parent"] == nil {
		t.Fatal("expected parent operation to have failed")
	}
	if _, ok := results["child"].(*DependencyError); !ok {
		t.Fatalf("expected child to fail with *DependencyError, got %v (%T)", results["child"], results["child"])
	}
}

// When rollback is enabled, a later operation's failure must restore rows
// an earlier update in the same batch had already changed.
func TestExecute_RollsBackPriorUpdateOnLaterFailure(t *testing.T) {
	db := openTestDB(t)
	if err := db.Create(&widget{ID: "1", Name: "original"}).Error; err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	b := New(db, Config{
		Strategy:           StrategySequential,
		EnableRollback:     true,
		EnableTransactions: true,
	}, nil)

	if err := b.Add(updateOp("update-existing", "widgets", "1", "modified")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(insertOp("doomed", "missing_table", "2", "z")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, _, err := b.Execute(context.Background())
	if err == nil {
		t.Fatal("expected Execute to report an error")
	}
	if results["update-existing"] != nil {
		t.Fatalf("expected the update to have succeeded before the later failure, got %v", results["update-existing"])
	}
	if results["doomed"] == nil {
		t.Fatal("expected the insert into a nonexistent table to fail")
	}

	var w widget
	if err := db.First(&w, "id = ?", "1").Error; err != nil {
		t.Fatalf("failed to read back row: %v", err)
	}
	if w.Name != "original" {
		t.Fatalf("expected rollback to restore the original name, got %q", w.Name)
	}
}

// Same-table inserts under the smart strategy are coalesced into one
// batched Create call; this only verifies the externally visible effect
// (every row lands), since the coalescing itself is an internal detail.
func TestExecute_SmartStrategyCoalescesSameTableInserts(t *testing.T) {
	db := openTestDB(t)
	b := New(db, Config{Strategy: StrategySmart}, nil)

	opIDs := []string{"a", "b", "c"}
	for i, id := range []string{"1", "2", "3"} {
		if err := b.Add(insertOp(opIDs[i], "widgets", id, "row-"+id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	results, progress, err := b.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected execution error: %v", err)
	}
	for id, opErr := range results {
		if opErr != nil {
			t.Fatalf("operation %s unexpectedly failed: %v", id, opErr)
		}
	}
	if progress.Completed != 3 {
		t.Fatalf("expected 3 completed operations, got %d", progress.Completed)
	}

	var count int64
	db.Model(&widget{}).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 rows inserted via coalesced insert, got %d", count)
	}
}
