package scanning

import (
	"net/url"
	"strings"

	"github.com/ahrav/registry-scanner/internal/domain/rules"
	"github.com/ahrav/registry-scanner/internal/domain/scanning"
)

// location identifies one entry of one distribution.
type location struct {
	distribution string
	entry        string
}

// verdict accumulates matches across every entry of every scanned
// distribution of a job.
type verdict struct {
	// weights holds the highest weight seen per matched rule.
	weights map[string]int

	best       location
	bestWeight int
	hasBest    bool
}

func newVerdict() *verdict {
	return &verdict{weights: make(map[string]int)}
}

func (v *verdict) record(distribution, entry string, matches []rules.Match) {
	for _, m := range matches {
		if w, ok := v.weights[m.Rule]; !ok || m.Weight > w {
			v.weights[m.Rule] = m.Weight
		}
		if !v.hasBest || m.Weight > v.bestWeight {
			v.best = location{distribution: distribution, entry: entry}
			v.bestWeight = m.Weight
			v.hasBest = true
		}
	}
}

// merge folds other into v. The current best location wins ties.
func (v *verdict) merge(other *verdict) {
	for r, w := range other.weights {
		if cur, ok := v.weights[r]; !ok || w > cur {
			v.weights[r] = w
		}
	}
	if other.hasBest && (!v.hasBest || other.bestWeight > v.bestWeight) {
		v.best = other.best
		v.bestWeight = other.bestWeight
		v.hasBest = true
	}
}

func (v *verdict) score() int {
	total := 0
	for _, w := range v.weights {
		total += w
	}
	return total
}

func (v *verdict) result(job scanning.Job, inspectorBase string) scanning.Result {
	matched := make(scanning.MatchSet, len(v.weights))
	for r := range v.weights {
		matched.Add(r)
	}

	score := v.score()
	res := scanning.Result{
		Name:         job.Name,
		Version:      job.Version,
		Score:        &score,
		RulesMatched: matched,
	}
	if v.hasBest {
		if u, ok := inspectorURL(inspectorBase, job, v.best); ok {
			res.InspectorURL = &u
		}
	}
	return res
}

// inspectorURL links to the entry in a web-based package inspector laid out
// as {base}/project/{name}/{version}/{distribution path}/{entry}.
func inspectorURL(base string, job scanning.Job, loc location) (string, bool) {
	if base == "" {
		return "", false
	}
	dist, err := url.Parse(loc.distribution)
	if err != nil {
		return "", false
	}

	parts := []string{
		strings.TrimRight(base, "/"),
		"project",
		url.PathEscape(job.Name),
		url.PathEscape(job.Version),
		strings.Trim(dist.EscapedPath(), "/"),
		strings.TrimLeft(loc.entry, "/"),
	}
	return strings.Join(parts, "/"), true
}
