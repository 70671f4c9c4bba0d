package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternCovers(t *testing.T) {
	cases := []struct {
		pattern string
		target  string
		want    bool
	}{
		{"file:/tmp/a.txt", "file:/tmp/a.txt", true},
		{"file:/tmp/*", "file:/tmp/a.txt", true},
		{"file:/tmp/*", "file:/tmp/sub/a.txt", false},
		{"file:/tmp/**", "file:/tmp/sub/a.txt", true},
		{"file:/tmp/**", "file:/tmp", true},
		{"file:/etc/*", "file:/tmp/a.txt", false},
		{"subprocess:*", "subprocess:ls", true},
		{"net:*.example.com", "net:api.example.com", false}, // no partial-segment wildcards
		{"net:**", "net:api.example.com", true},
		{"file:/tmp/*", "file:/tmp/*", true},
		{"file:/tmp/a.txt", "file:/tmp/*", false}, // concrete cannot cover broader
		{"file:/tmp/**", "file:/tmp/*", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PatternCovers(tc.pattern, tc.target),
			"pattern %q target %q", tc.pattern, tc.target)
	}
}

func TestContractCovers(t *testing.T) {
	c := Contract{
		Reads:    []string{"file:/data/**"},
		Writes:   []string{"file:/data/out/*"},
		Executes: []string{"subprocess:git *"},
	}

	err := c.Covers(Effects{Reads: []string{"file:/data/in.csv"}})
	assert.NoError(t, err)

	err = c.Covers(Effects{Writes: []string{"file:/etc/passwd"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write")

	err = c.Covers(Effects{Spawn: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn")
}

func TestIntersectKeepsNarrowerPatterns(t *testing.T) {
	broad := Contract{
		Reads: []string{"file:/data/**"},
		Spawn: true,
	}
	narrow := Contract{
		Reads: []string{"file:/data/reports/*"},
		Spawn: false,
	}

	got := broad.Intersect(narrow)
	assert.Equal(t, []string{"file:/data/reports/*"}, got.Reads)
	assert.False(t, got.Spawn)

	// Disjoint sets intersect to nothing.
	other := Contract{Reads: []string{"file:/etc/**"}}
	assert.Empty(t, broad.Intersect(other).Reads)
}

func TestIntersectIsSymmetric(t *testing.T) {
	a := Contract{Reads: []string{"file:/a/**", "file:/b/x"}, Writes: []string{"file:/a/out"}}
	b := Contract{Reads: []string{"file:/a/sub/*"}, Writes: []string{"file:/a/**"}}

	ab := a.Intersect(b)
	ba := b.Intersect(a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, []string{"file:/a/sub/*"}, ab.Reads)
	assert.Equal(t, []string{"file:/a/out"}, ab.Writes)
}

func TestString(t *testing.T) {
	assert.Equal(t, "(no effects declared)", Contract{}.String())
	c := Contract{Reads: []string{"file:/x"}, Spawn: true}
	s := c.String()
	assert.Contains(t, s, "reads: file:/x")
	assert.Contains(t, s, "may spawn")
}
