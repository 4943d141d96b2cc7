// Package yara adapts libyara, through go-yara, to the rules.Compiler and
// rules.RuleSet ports.
package yara

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hillu/go-yara/v4"

	"github.com/ahrav/registry-scanner/internal/domain/rules"
)

var (
	_ rules.Compiler = (*Compiler)(nil)
	_ rules.RuleSet  = (*RuleSet)(nil)
)

// weightMeta is the rule meta identifier that carries a rule's score weight.
const weightMeta = "weight"

// Compiler compiles rule source with a fresh libyara compiler per call, so a
// failed compilation can never leak rules into a later one.
type Compiler struct {
	scanTimeout time.Duration
}

// NewCompiler returns a Compiler whose rule-sets abort any single scan that
// runs longer than scanTimeout. Zero means no timeout.
func NewCompiler(scanTimeout time.Duration) *Compiler {
	return &Compiler{scanTimeout: scanTimeout}
}

// Compile compiles source as one unit. Any syntax or semantic error fails the
// whole call.
func (c *Compiler) Compile(source string) (rules.RuleSet, error) {
	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("yara compiler init: %w", err)
	}
	defer compiler.Destroy()

	if err := compiler.AddString(source, ""); err != nil {
		return nil, compilerError(compiler, err)
	}

	compiled, err := compiler.GetRules()
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}

	return &RuleSet{rules: compiled, timeout: c.scanTimeout}, nil
}

func compilerError(c *yara.Compiler, err error) error {
	if len(c.Errors) == 0 {
		return err
	}
	msgs := make([]string, 0, len(c.Errors))
	for _, m := range c.Errors {
		msgs = append(msgs, fmt.Sprintf("line %d: %s", m.Line, m.Text))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// RuleSet is a compiled libyara rule collection. It is never mutated after
// compilation and libyara allows concurrent scans over one rule set.
type RuleSet struct {
	rules   *yara.Rules
	timeout time.Duration
}

// Scan runs every rule over data and returns one Match per matching rule.
func (r *RuleSet) Scan(ctx context.Context, data []byte) ([]rules.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var hits yara.MatchRules
	if err := r.rules.ScanMem(data, 0, r.timeout, &hits); err != nil {
		return nil, fmt.Errorf("yara scan: %w", err)
	}

	matches := make([]rules.Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, rules.Match{Rule: h.Rule, Weight: weightOf(h.Metas)})
	}
	return matches, nil
}

func weightOf(metas []yara.Meta) int {
	for _, m := range metas {
		if m.Identifier != weightMeta {
			continue
		}
		switch v := m.Value.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}
