// Package rules keeps a worker's compiled detection rules current with the
// coordinator's published bundle.
package rules

import (
	"context"
	"sync"

	"github.com/ahrav/registry-scanner/internal/domain/rules"
)

// Snapshot is a consistent view of the installed rule-set and the hash of
// the bundle it was compiled from.
type Snapshot struct {
	Hash    string
	RuleSet rules.RuleSet
}

// Installed reports whether a rule-set has been installed.
func (s Snapshot) Installed() bool { return s.RuleSet != nil }

// Scan runs the snapshot's rule-set over data. An empty snapshot matches
// nothing.
func (s Snapshot) Scan(ctx context.Context, data []byte) ([]rules.Match, error) {
	if s.RuleSet == nil {
		return nil, nil
	}
	return s.RuleSet.Scan(ctx, data)
}

// State holds exactly one compiled rule-set together with its source hash.
// Both are always read and replaced as a unit.
type State struct {
	mu      sync.RWMutex
	hash    string
	ruleSet rules.RuleSet
}

// NewState returns an empty State.
func NewState() *State { return new(State) }

// Current returns the installed hash and rule-set.
func (s *State) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Hash: s.hash, RuleSet: s.ruleSet}
}

// Hash returns the installed bundle hash, or "" when nothing is installed.
func (s *State) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Replace installs rs as compiled from the bundle identified by hash.
// Scans already holding a Snapshot keep using the previous rule-set.
func (s *State) Replace(hash string, rs rules.RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash = hash
	s.ruleSet = rs
}
