// Package scanning provides domain types and interfaces for scanning
// registry packages: the jobs handed out by the coordinator, the artifacts
// fetched for them and the verdict reported back.
package scanning

import (
	"encoding/json"
	"sort"
)

// Job is one package version to scan. Hash identifies the package content
// and lives in a different namespace from a rule bundle hash.
type Job struct {
	Hash          string   `json:"hash"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Distributions []string `json:"distributions"`
}

// MatchSet is the set of rule names matched for a job.
type MatchSet map[string]struct{}

// NewMatchSet builds a MatchSet containing names.
func NewMatchSet(names ...string) MatchSet {
	ms := make(MatchSet, len(names))
	for _, n := range names {
		ms.Add(n)
	}
	return ms
}

// Add inserts name into the set.
func (ms MatchSet) Add(name string) { ms[name] = struct{}{} }

// Has reports whether name is in the set.
func (ms MatchSet) Has(name string) bool {
	_, ok := ms[name]
	return ok
}

// Union adds every member of other to ms.
func (ms MatchSet) Union(other MatchSet) {
	for n := range other {
		ms.Add(n)
	}
}

// Sorted returns the members in lexical order.
func (ms MatchSet) Sorted() []string {
	out := make([]string, 0, len(ms))
	for n := range ms {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array; an empty or nil set is [].
func (ms MatchSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ms.Sorted())
}

// UnmarshalJSON decodes an array of rule names.
func (ms *MatchSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*ms = NewMatchSet(names...)
	return nil
}

// Result is the verdict submitted for a job. A nil Score or InspectorURL is a
// valid outcome (e.g. nothing could be scanned) rather than an error.
type Result struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Score        *int     `json:"score,omitempty"`
	InspectorURL *string  `json:"inspectorUrl,omitempty"`
	RulesMatched MatchSet `json:"rulesMatched"`
}

// NewUnscannedResult returns the failure-to-scan verdict for job: no score
// and no matches.
func NewUnscannedResult(job Job) Result {
	return Result{Name: job.Name, Version: job.Version, RulesMatched: MatchSet{}}
}
