package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leapstack-labs/strata/pkg/core"
)

// fakeBackend records executed statements.
type fakeBackend struct {
	stmts  []string
	tables map[string]bool
	fail   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tables: make(map[string]bool)}
}

func (f *fakeBackend) Connect(context.Context, Config) error { return nil }
func (f *fakeBackend) Close() error                          { return nil }
func (f *fakeBackend) DialectName() string                   { return "fake" }

func (f *fakeBackend) Exec(_ context.Context, sql string) error {
	if f.fail != nil {
		return f.fail
	}
	f.stmts = append(f.stmts, sql)
	return nil
}

func (f *fakeBackend) TableExists(_ context.Context, table string) (bool, error) {
	return f.tables[table], nil
}

func testInterval() core.Interval {
	return core.Interval{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestRenderQuery(t *testing.T) {
	sql := "SELECT * FROM raw WHERE ts >= @start_ts AND ts < @end_ts AND ds = @start_ds"
	got := RenderQuery(sql, testInterval())
	want := "SELECT * FROM raw WHERE ts >= '2024-01-01 00:00:00' AND ts < '2024-01-02 00:00:00' AND ds = '2024-01-01'"
	if got != want {
		t.Errorf("RenderQuery = %q, want %q", got, want)
	}
}

func TestViewName(t *testing.T) {
	tests := []struct {
		model string
		env   string
		want  string
	}{
		{"staging.orders", "prod", "staging__orders"},
		{"staging.orders", "dev", "staging__orders__dev"},
		{"orders", "feature_x", "orders__feature_x"},
	}
	for _, tt := range tests {
		if got := ViewName(tt.model, tt.env); got != tt.want {
			t.Errorf("ViewName(%q, %q) = %q, want %q", tt.model, tt.env, got, tt.want)
		}
	}
}

func TestMaterializeFullRebuilds(t *testing.T) {
	b := newFakeBackend()
	snap := &core.Snapshot{
		Name:      "orders",
		TableName: "orders__v1",
		Kind:      core.KindFull,
		SQL:       "SELECT 1",
	}

	if err := Materialize(context.Background(), b, snap, testInterval()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(b.stmts) != 2 {
		t.Fatalf("expected drop+create, got %v", b.stmts)
	}
	if !strings.HasPrefix(b.stmts[0], "DROP TABLE IF EXISTS orders__v1") {
		t.Errorf("stmt[0] = %q", b.stmts[0])
	}
	if b.stmts[1] != "CREATE TABLE orders__v1 AS SELECT 1" {
		t.Errorf("stmt[1] = %q", b.stmts[1])
	}
}

func TestMaterializeIncrementalFirstBuild(t *testing.T) {
	b := newFakeBackend()
	snap := &core.Snapshot{
		Name:       "orders",
		TableName:  "orders__v1",
		Kind:       core.KindIncremental,
		TimeColumn: "created_at",
		SQL:        "SELECT * FROM raw WHERE created_at >= @start_ts AND created_at < @end_ts",
	}

	if err := Materialize(context.Background(), b, snap, testInterval()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(b.stmts) != 1 || !strings.HasPrefix(b.stmts[0], "CREATE TABLE orders__v1 AS") {
		t.Fatalf("expected single create, got %v", b.stmts)
	}
	if strings.Contains(b.stmts[0], "@start_ts") {
		t.Errorf("macros not rendered: %q", b.stmts[0])
	}
}

func TestMaterializeIncrementalReplacesSlice(t *testing.T) {
	b := newFakeBackend()
	b.tables["orders__v1"] = true
	snap := &core.Snapshot{
		Name:       "orders",
		TableName:  "orders__v1",
		Kind:       core.KindIncremental,
		TimeColumn: "created_at",
		SQL:        "SELECT * FROM raw WHERE created_at >= @start_ts AND created_at < @end_ts",
	}

	if err := Materialize(context.Background(), b, snap, testInterval()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(b.stmts) != 2 {
		t.Fatalf("expected delete+insert, got %v", b.stmts)
	}
	wantDel := "DELETE FROM orders__v1 WHERE created_at >= '2024-01-01 00:00:00' AND created_at < '2024-01-02 00:00:00'"
	if b.stmts[0] != wantDel {
		t.Errorf("delete = %q, want %q", b.stmts[0], wantDel)
	}
	if !strings.HasPrefix(b.stmts[1], "INSERT INTO orders__v1 SELECT") {
		t.Errorf("insert = %q", b.stmts[1])
	}
}

func TestMaterializeBackendError(t *testing.T) {
	b := newFakeBackend()
	b.fail = errors.New("disk full")
	snap := &core.Snapshot{Name: "orders", TableName: "orders__v1", Kind: core.KindFull, SQL: "SELECT 1"}

	if err := Materialize(context.Background(), b, snap, testInterval()); err == nil {
		t.Error("expected error from failing backend")
	}
}

func TestCreateAndDropView(t *testing.T) {
	b := newFakeBackend()
	ctx := context.Background()

	if err := CreateView(ctx, b, "staging.orders", "dev", "staging__orders__v3"); err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	want := "CREATE OR REPLACE VIEW staging__orders__dev AS SELECT * FROM staging__orders__v3"
	if b.stmts[0] != want {
		t.Errorf("view stmt = %q, want %q", b.stmts[0], want)
	}

	if err := DropView(ctx, b, "staging.orders", "dev"); err != nil {
		t.Fatalf("DropView: %v", err)
	}
	if b.stmts[1] != "DROP VIEW IF EXISTS staging__orders__dev" {
		t.Errorf("drop stmt = %q", b.stmts[1])
	}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Type: "oracle"}, nil)
	var unknown *UnknownBackendError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownBackendError, got %v", err)
	}
	if len(unknown.Available) == 0 {
		t.Error("available backends should list registered ones")
	}
}

func TestNewRegisteredBackends(t *testing.T) {
	for _, name := range []string{"duckdb", "postgres"} {
		b, err := New(Config{Type: name}, nil)
		if err != nil {
			t.Errorf("New(%s): %v", name, err)
			continue
		}
		if b.DialectName() != name {
			t.Errorf("dialect = %q, want %q", b.DialectName(), name)
		}
	}
}
