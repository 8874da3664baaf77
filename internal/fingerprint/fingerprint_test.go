package fingerprint

import (
	"testing"

	"github.com/leapstack-labs/strata/pkg/core"
)

func testModel(name, sql string, upstreams ...string) *core.Model {
	return &core.Model{
		Name:      name,
		SQL:       sql,
		Cadence:   "@daily",
		Kind:      core.KindFull,
		Upstreams: upstreams,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "SELECT  a,\n\tb FROM  t", "SELECT a, b FROM t"},
		{"trims edges", "  SELECT 1  ", "SELECT 1"},
		{"drops trailing semicolon", "SELECT 1;", "SELECT 1"},
		{"preserves string literals", "SELECT 'a  b' FROM t", "SELECT 'a  b' FROM t"},
		{"escaped quote in literal", "SELECT 'it''s  fine'", "SELECT 'it''s  fine'"},
		{"whitespace before literal", "SELECT\n'x'", "SELECT 'x'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	m := testModel("orders", "SELECT * FROM raw.orders", "raw.orders")
	ups := map[string]core.Fingerprint{"raw.orders": "abc"}

	fp1 := Compute(m, ups)
	fp2 := Compute(m, ups)
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %s vs %s", fp1, fp2)
	}
	if fp1 == "" {
		t.Error("fingerprint should not be empty")
	}
}

func TestComputeFormattingInsensitive(t *testing.T) {
	a := testModel("orders", "SELECT id, amount FROM raw.orders")
	b := testModel("orders", "SELECT\n  id,\n  amount\nFROM raw.orders;")

	if Compute(a, nil) != Compute(b, nil) {
		t.Error("formatting-only edit changed the fingerprint")
	}
}

func TestComputeQueryChange(t *testing.T) {
	a := testModel("orders", "SELECT id FROM raw.orders")
	b := testModel("orders", "SELECT id, amount FROM raw.orders")

	if Compute(a, nil) == Compute(b, nil) {
		t.Error("query edit did not change the fingerprint")
	}
}

func TestComputeUpstreamPropagation(t *testing.T) {
	m := testModel("order_totals", "SELECT sum(amount) FROM orders", "orders")

	before := Compute(m, map[string]core.Fingerprint{"orders": "v1"})
	after := Compute(m, map[string]core.Fingerprint{"orders": "v2"})
	if before == after {
		t.Error("upstream fingerprint change did not propagate downstream")
	}
}

func TestComputeConfigChange(t *testing.T) {
	a := testModel("orders", "SELECT id FROM raw.orders")
	b := testModel("orders", "SELECT id FROM raw.orders")
	b.Grain = []string{"id"}

	if Compute(a, nil) == Compute(b, nil) {
		t.Error("grain change did not change the fingerprint")
	}
}

func TestComputeQueryIgnoresConfig(t *testing.T) {
	a := testModel("orders", "SELECT id FROM raw.orders")
	b := testModel("orders", "SELECT id FROM raw.orders")
	b.Grain = []string{"id"}

	if ComputeQuery(a) != ComputeQuery(b) {
		t.Error("query fingerprint should ignore config changes")
	}
}
