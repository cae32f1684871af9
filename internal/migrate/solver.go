// Package migrate implements the dependency-aware multi-module migration
// solver (spec §4.H): given a set of modules, each with a possibly-absent
// current version and a list of available migrations, it computes the
// shortest ordered sequence of migrations that brings every module to its
// maximum available version, or reports the problem unsolvable.
//
// Grounded on the original depth-first-search solver: version comparison is
// string-lexicographic by contract (migration filenames sort correctly
// under that rule), an absent min-version is the only way to satisfy a
// dependency on a module with no current version at all, and duplicate
// migration UUIDs across modules are a hard input error.
package migrate

import (
	"fmt"

	"github.com/clapshot/clapshot-server/internal/model"
)

// Module is one schema-owning unit participating in the solve: its current
// version (nil means fresh install) and the migrations available to move it
// forward.
type Module struct {
	Name       string
	CurVersion *string
	Migrations []model.Migration
}

type candidate struct {
	module string
	mig    *model.Migration
}

// Solve returns the ordered migration plan. When every module is already at
// its target version the plan is empty and solvable is true ("nothing to
// do"); when no plan exists the plan is nil and solvable is false.
//
// Return value: (plan, solvable, error). error is non-nil only for malformed
// input (duplicate UUIDs); solvable is false when no plan exists.
func Solve(modules []Module) ([]model.Migration, bool, error) {
	curVersions := make(map[string]*string, len(modules))
	targetVersions := make(map[string]string, len(modules))
	seenUUID := make(map[string]string)

	var all []candidate
	for _, m := range modules {
		curVersions[m.Name] = m.CurVersion

		maxVer := ""
		haveMax := false
		for i := range m.Migrations {
			mig := &m.Migrations[i]
			if owner, dup := seenUUID[mig.UUID]; dup {
				return nil, false, fmt.Errorf("duplicate migration uuid %q used by both %q and %q", mig.UUID, owner, m.Name)
			}
			seenUUID[mig.UUID] = m.Name
			if !haveMax || mig.Version > maxVer {
				maxVer = mig.Version
				haveMax = true
			}
		}
		if haveMax {
			targetVersions[m.Name] = maxVer
		} else if m.CurVersion != nil {
			targetVersions[m.Name] = *m.CurVersion
		}

		for i := range m.Migrations {
			mig := &m.Migrations[i]
			advances := m.CurVersion == nil || mig.Version > *m.CurVersion
			if advances {
				all = append(all, candidate{module: m.Name, mig: mig})
			}
		}
	}

	// Sort ascending by version as a search-order heuristic only; it has no
	// bearing on correctness, just which of several shortest plans is found
	// first.
	sortCandidatesByVersion(all)

	visited := make(map[string]bool, len(all))
	state := make(map[string]*string, len(curVersions))
	for k, v := range curVersions {
		state[k] = v
	}

	var best []model.Migration
	dfs(all, targetVersions, state, visited, nil, &best)

	if best == nil {
		// Distinguish "already solved" (every module at target already) from
		// "unsolvable".
		if atTarget(state, targetVersions) {
			return []model.Migration{}, true, nil
		}
		return nil, false, nil
	}
	return best, true, nil
}

func sortCandidatesByVersion(c []candidate) {
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && c[j-1].mig.Version > c[j].mig.Version {
			c[j-1], c[j] = c[j], c[j-1]
			j--
		}
	}
}

func atTarget(state map[string]*string, target map[string]string) bool {
	for mod, tv := range target {
		cv := state[mod]
		if cv == nil || *cv != tv {
			return false
		}
	}
	return true
}

func canApply(mig *model.Migration, state map[string]*string) bool {
	for _, dep := range mig.Dependencies {
		cur, known := state[dep.Module]
		if !known || cur == nil {
			// No current version recorded for the dependency's module: the
			// dependency is satisfiable only if it places no lower bound.
			if dep.MinVer != nil {
				return false
			}
			continue
		}
		if dep.MinVer != nil && *cur < *dep.MinVer {
			return false
		}
		if dep.MaxVer != nil && *cur > *dep.MaxVer {
			return false
		}
	}
	return true
}

func dfs(all []candidate, target map[string]string, state map[string]*string, visited map[string]bool, path []model.Migration, best *[]model.Migration) {
	if atTarget(state, target) {
		if *best == nil || len(path) < len(*best) {
			cp := make([]model.Migration, len(path))
			copy(cp, path)
			*best = cp
		}
		return
	}
	if *best != nil && len(path) >= len(*best) {
		return // cannot possibly improve on the best found so far
	}

	for _, c := range all {
		if visited[c.mig.UUID] {
			continue
		}
		if !canApply(c.mig, state) {
			continue
		}

		visited[c.mig.UUID] = true
		prev := state[c.module]
		v := c.mig.Version
		state[c.module] = &v

		dfs(all, target, state, visited, append(path, *c.mig), best)

		state[c.module] = prev
		visited[c.mig.UUID] = false
	}
}
