package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/model"
)

func ver(v string) *string { return &v }

func dep(module string, min, max *string) model.Dependency {
	return model.Dependency{Module: module, MinVer: min, MaxVer: max}
}

func uuids(migs []model.Migration) []string {
	out := make([]string, len(migs))
	for i, m := range migs {
		out[i] = m.UUID
	}
	return out
}

func TestSolveTrivialFromEmpty(t *testing.T) {
	server := Module{
		Name: "server",
		Migrations: []model.Migration{
			{UUID: "uuid1", Version: "1"},
			{UUID: "uuid2", Version: "2", Dependencies: []model.Dependency{dep("server", ver("1"), ver("1"))}},
			{UUID: "uuid3", Version: "3", Dependencies: []model.Dependency{dep("server", ver("2"), ver("2"))}},
		},
	}
	plan, ok, err := Solve([]Module{server})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"uuid1", "uuid2", "uuid3"}, uuids(plan))
}

func TestSolveShortcut(t *testing.T) {
	server := Module{
		Name:       "server",
		CurVersion: ver("1"),
		Migrations: []model.Migration{
			{UUID: "uuid1", Version: "1"},
			{UUID: "uuid2", Version: "2", Dependencies: []model.Dependency{dep("server", ver("1"), ver("1"))}},
			{UUID: "uuid3", Version: "3", Dependencies: []model.Dependency{dep("server", ver("2"), ver("2"))}},
			{UUID: "uuid4", Version: "4", Dependencies: []model.Dependency{dep("server", ver("1"), ver("3"))}},
		},
	}
	plan, ok, err := Solve([]Module{server})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"uuid4"}, uuids(plan))
}

func TestSolveTwoModulesIndependent(t *testing.T) {
	server := Module{
		Name: "server",
		Migrations: []model.Migration{
			{UUID: "S1", Version: "1"},
			{UUID: "S2", Version: "2", Dependencies: []model.Dependency{dep("server", ver("1"), ver("1"))}},
			{UUID: "S3", Version: "3", Dependencies: []model.Dependency{dep("server", ver("2"), ver("2"))}},
		},
	}
	org := Module{
		Name:       "org",
		CurVersion: ver("0"),
		Migrations: []model.Migration{
			{UUID: "G1", Version: "1", Dependencies: []model.Dependency{dep("org", ver("0"), ver("0"))}},
			{UUID: "G2", Version: "2", Dependencies: []model.Dependency{dep("org", ver("1"), ver("1"))}},
			{UUID: "G3", Version: "3", Dependencies: []model.Dependency{dep("org", ver("2"), ver("2"))}},
		},
	}
	plan, ok, err := Solve([]Module{server, org})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, plan, 6)
	// Independent modules: no dependency constrains relative order, but the
	// plan must advance each module through its own chain in order.
	assertRelativeOrder(t, uuids(plan), []string{"S1", "S2", "S3"})
	assertRelativeOrder(t, uuids(plan), []string{"G1", "G2", "G3"})
}

func TestSolveTwoModulesDependent(t *testing.T) {
	server := Module{
		Name: "server",
		Migrations: []model.Migration{
			{UUID: "S1", Version: "1"},
			{UUID: "S2", Version: "2", Dependencies: []model.Dependency{dep("server", ver("1"), ver("1"))}},
			{UUID: "S3", Version: "3", Dependencies: []model.Dependency{dep("server", ver("2"), ver("2"))}},
		},
	}
	org := Module{
		Name:       "org",
		CurVersion: ver("0"),
		Migrations: []model.Migration{
			{UUID: "G1", Version: "1", Dependencies: []model.Dependency{dep("org", ver("0"), ver("0")), dep("server", nil, ver("1"))}},
			{UUID: "G2", Version: "2", Dependencies: []model.Dependency{dep("org", ver("1"), ver("1"))}},
			{UUID: "G3", Version: "3", Dependencies: []model.Dependency{dep("org", ver("2"), ver("2"))}},
		},
	}
	plan, ok, err := Solve([]Module{server, org})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, plan, 6)
	assertRelativeOrder(t, uuids(plan), []string{"S1", "S2", "S3"})
	assertRelativeOrder(t, uuids(plan), []string{"G1", "G2", "G3"})
	assertBefore(t, uuids(plan), "S1", "G1")
}

func TestSolveOneModuleUnsolvable(t *testing.T) {
	server := Module{
		Name: "server",
		Migrations: []model.Migration{
			{UUID: "S1", Version: "1"},
			{UUID: "S2", Version: "2", Dependencies: []model.Dependency{dep("server", ver("1"), ver("1"))}},
			// gap: nothing carries server from v2 to v3
			{UUID: "S4", Version: "4", Dependencies: []model.Dependency{dep("server", ver("3"), ver("3"))}},
		},
	}
	_, ok, err := Solve([]Module{server})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSolveTwoModulesUnsolvable(t *testing.T) {
	server := Module{
		Name: "server",
		Migrations: []model.Migration{
			{UUID: "S1", Version: "1"},
		},
	}
	org := Module{
		Name: "org",
		Migrations: []model.Migration{
			// depends on a server version that is never reached
			{UUID: "G1", Version: "1", Dependencies: []model.Dependency{dep("server", ver("2"), ver("2"))}},
		},
	}
	_, ok, err := Solve([]Module{server, org})
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSolveEmptyMaxVerNeverSatisfiable regression-tests a dependency whose
// max version is the empty string: once the referenced module has any
// current version at all, "" is lexicographically smaller than essentially
// every real version string, so the dependency can never again be satisfied.
func TestSolveEmptyMaxVerNeverSatisfiable(t *testing.T) {
	empty := ""
	server := Module{
		Name:       "clapshot.server",
		CurVersion: ver("2024-01-01"),
		Migrations: []model.Migration{
			{UUID: "2024-01-01-s1", Version: "2024-01-01"},
		},
	}
	plugin := Module{
		Name: "clapshot.plugin",
		Migrations: []model.Migration{
			{
				UUID:    "2024-02-01-p1",
				Version: "2024-02-01",
				Dependencies: []model.Dependency{
					dep("clapshot.server", nil, &empty),
				},
			},
		},
	}
	_, ok, err := Solve([]Module{server, plugin})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSolveDuplicateUUIDIsHardError(t *testing.T) {
	a := Module{Name: "a", Migrations: []model.Migration{{UUID: "dup", Version: "1"}}}
	b := Module{Name: "b", Migrations: []model.Migration{{UUID: "dup", Version: "1"}}}
	_, _, err := Solve([]Module{a, b})
	assert.Error(t, err)
}

func indexOf(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}

func assertRelativeOrder(t *testing.T, plan []string, wantOrder []string) {
	t.Helper()
	last := -1
	for _, w := range wantOrder {
		idx := indexOf(plan, w)
		require.GreaterOrEqual(t, idx, 0, "missing %s in plan", w)
		require.Greater(t, idx, last, "%s out of order in %v", w, plan)
		last = idx
	}
}

func assertBefore(t *testing.T, plan []string, a, b string) {
	t.Helper()
	ia, ib := indexOf(plan, a), indexOf(plan, b)
	require.GreaterOrEqual(t, ia, 0)
	require.GreaterOrEqual(t, ib, 0)
	assert.Less(t, ia, ib)
}
