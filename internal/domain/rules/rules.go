// Package rules defines the detection rule domain: the bundle the
// coordinator publishes, the compiled rule-set the scan step runs, and the
// ports used to fetch and compile them.
package rules

import (
	"context"
	"sort"
	"strings"
)

// Bundle is the coordinator's authoritative rule collection. It is
// immutable once received and superseded wholesale by a newer bundle.
type Bundle struct {
	// Hash identifies this version of the whole collection. It is opaque and
	// only ever compared for equality.
	Hash string
	// Rules maps a rule identifier to its source text.
	Rules map[string]string
}

// Source concatenates every rule text into the single blob handed to the
// compiler. Texts are ordered by rule identifier so a bundle always produces
// the same compilation input.
func (b Bundle) Source() string {
	ids := b.RuleIDs()
	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		texts = append(texts, b.Rules[id])
	}
	return strings.Join(texts, "\n")
}

// RuleIDs returns the bundle's rule identifiers in sorted order.
func (b Bundle) RuleIDs() []string {
	ids := make([]string, 0, len(b.Rules))
	for id := range b.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of rules in the bundle.
func (b Bundle) Len() int { return len(b.Rules) }

// Match is a single rule hit reported by a RuleSet.
type Match struct {
	Rule string
	// Weight is the rule's severity contribution to a package score.
	// Rules without a weight contribute zero.
	Weight int
}

// RuleSet is the compiled, executable form of a Bundle. Implementations must
// be safe for concurrent Scan calls and are never mutated after compilation.
type RuleSet interface {
	Scan(ctx context.Context, data []byte) ([]Match, error)
}

// Compiler turns concatenated rule source into a RuleSet. Compilation is
// all-or-nothing: any invalid rule fails the whole call and no RuleSet is
// returned.
type Compiler interface {
	Compile(source string) (RuleSet, error)
}

// BundleProvider retrieves the coordinator's current Bundle.
type BundleProvider interface {
	FetchRuleBundle(ctx context.Context) (Bundle, error)
}
