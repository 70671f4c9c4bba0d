package snapshot

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/protocol"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreFs(afero.NewMemMapFs(), "/states")
	require.NoError(t, err)
	return s
}

func sampleDoc(name string) *Document {
	return &Document{
		Name: name,
		Functions: []protocol.ExportedFunction{
			{Name: "f", Source: "def f(x):\n    return x * 2", Signature: "(x)"},
		},
		Variables: map[string]*protocol.Value{
			"count": protocol.JSONValue(3),
		},
		History: []string{"def f(x):\n    return x * 2", "count = 3"},
		Capabilities: map[string]CapabilityRecord{
			"fs": {
				Descriptor: capability.Descriptor{Kind: capability.KindNative, Factory: "workspace", Options: map[string]any{"root": "/tmp/ws"}},
				Contract:   contract.Contract{Reads: []string{"file:/tmp/ws/**"}},
				Strategy:   "contract_based",
			},
		},
		Backends: map[string]string{"gmail": "mcp-gmail --readonly"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Save(sampleDoc("checkpoint")))

	doc, err := s.Load("checkpoint")
	require.NoError(t, err)
	assert.Equal(t, Version, doc.Version)
	assert.False(t, doc.CreatedAt.IsZero())
	require.Len(t, doc.Functions, 1)
	assert.Equal(t, "def f(x):\n    return x * 2", doc.Functions[0].Source)
	assert.Equal(t, "contract_based", doc.Capabilities["fs"].Strategy)
	assert.Equal(t, "mcp-gmail --readonly", doc.Backends["gmail"])
}

func TestSaveReplacesExisting(t *testing.T) {
	s := newStore(t)

	first := sampleDoc("work")
	require.NoError(t, s.Save(first))

	second := sampleDoc("work")
	second.History = append(second.History, "count = 4")
	require.NoError(t, s.Save(second))

	doc, err := s.Load("work")
	require.NoError(t, err)
	assert.Len(t, doc.History, 3)

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, names)
}

func TestListAndDelete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(sampleDoc("b")))
	require.NoError(t, s.Save(sampleDoc("a")))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, s.Delete("a"))
	names, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	err = s.Delete("a")
	assert.ErrorContains(t, err, "not found")
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Load("ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestRejectsTraversalNames(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"../escape", "a/b", "", ".hidden"} {
		doc := sampleDoc("x")
		doc.Name = name
		assert.Error(t, s.Save(doc), "name %q", name)
	}
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStoreFs(fs, "/states")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/states/bad.json", []byte(`{"version": "one"}`), 0o644))

	_, err = s.Load("bad")
	assert.ErrorContains(t, err, "invalid state document")
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStoreFs(fs, "/states")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/states/future.json",
		[]byte(`{"version": 99, "name": "future", "created_at": "2026-01-01T00:00:00Z"}`), 0o644))

	_, err = s.Load("future")
	assert.ErrorContains(t, err, "newer than supported")
}

func TestRebindExpr(t *testing.T) {
	expr, ok := RebindExpr(protocol.JSONValue(map[string]any{"a": []any{1, 2}}))
	require.True(t, ok)
	assert.Contains(t, expr, "json.decode(")

	expr, ok = RebindExpr(nil)
	require.True(t, ok)
	assert.Equal(t, "None", expr)

	_, ok = RebindExpr(protocol.ReprValue("<function f>"))
	assert.False(t, ok)
}
