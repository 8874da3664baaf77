// Package fingerprint computes stable content hashes for model definitions.
// A fingerprint covers the normalized query text, the model's configuration
// and the fingerprints of its upstreams, so a change anywhere upstream
// propagates to every transitive downstream model.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/leapstack-labs/strata/pkg/core"
)

// Compute returns the fingerprint of a model given the fingerprints of its
// upstreams. Pure function: identical normalized definition and identical
// upstream fingerprints yield identical output regardless of map iteration
// order or machine.
func Compute(m *core.Model, upstreams map[string]core.Fingerprint) core.Fingerprint {
	h := sha256.New()

	writeField(h, "sql", Normalize(m.SQL))
	writeField(h, "kind", string(m.Kind))
	writeField(h, "cadence", m.Cadence)
	writeField(h, "grain", strings.Join(m.Grain, ","))
	writeField(h, "time_column", m.TimeColumn)
	writeField(h, "start", formatStart(m.Start))

	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(h, "upstream:"+name, string(upstreams[name]))
	}

	return core.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// ComputeQuery hashes the normalized query text only. The categorizer uses it
// to distinguish query edits from metadata-only edits.
func ComputeQuery(m *core.Model) core.Fingerprint {
	sum := sha256.Sum256([]byte(Normalize(m.SQL)))
	return core.Fingerprint(hex.EncodeToString(sum[:]))
}

// Normalize strips insignificant formatting from query text so
// formatting-only edits do not trigger rebuilds: runs of whitespace outside
// single-quoted string literals collapse to one space, and a trailing
// semicolon is dropped. Literals are preserved byte for byte.
func Normalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	inString := false
	pendingSpace := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inString {
			b.WriteByte(c)
			if c == '\'' {
				// '' escapes a quote inside a literal.
				if i+1 < len(sql) && sql[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			pendingSpace = true
		case '\'':
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			inString = true
			b.WriteByte(c)
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteByte(c)
		}
	}

	out := b.String()
	out = strings.TrimSuffix(out, ";")
	return strings.TrimSpace(out)
}

func writeField(h interface{ Write(p []byte) (int, error) }, key, value string) {
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(value))
	_, _ = h.Write([]byte{0})
}

func formatStart(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
