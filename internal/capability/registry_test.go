package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel/internal/contract"
	"vessel/internal/docs"
)

func testCapability(name string) *Native {
	cap := NewNative(name, "A test capability.", contract.Contract{
		Reads: []string{"file:/data/**"},
	})
	cap.Register(OperationSpec{
		Name:        "read",
		Description: "Read something.",
		Params:      []ParamSpec{{Name: "path", Type: "string", Required: true}},
		Effects:     contract.Effects{Reads: []string{"file:{path}"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return "contents of " + args["path"].(string), nil
	})
	return cap
}

func TestInstallRejectsCollision(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Install(testCapability("fs"), nil, Descriptor{Kind: KindNative}))

	err := r.Install(testCapability("fs"), nil, Descriptor{Kind: KindNative})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")
}

func TestUninstallThenResolveFailsAsUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Install(testCapability("echo"), nil, Descriptor{Kind: KindNative}))
	require.NoError(t, r.Uninstall("echo"))

	_, err := r.Resolve("echo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCapability))

	err = r.Uninstall("echo")
	assert.True(t, errors.Is(err, ErrUnknownCapability))
}

func TestDeriveDoesNotMutateOriginal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Install(testCapability("fs"), nil, Descriptor{Kind: KindNative}))

	before, err := r.Resolve("fs")
	require.NoError(t, err)
	origContract := before.Contract.Clone()

	require.NoError(t, r.Derive("fs", "fs_reports", contract.Contract{
		Reads: []string{"file:/data/reports/*"},
	}))

	after, err := r.Resolve("fs")
	require.NoError(t, err)
	assert.Equal(t, origContract, after.Contract, "derive must not touch the original contract")

	narrow, err := r.Resolve("fs_reports")
	require.NoError(t, err)
	assert.Equal(t, []string{"file:/data/reports/*"}, narrow.Contract.Reads)
	assert.Equal(t, "fs_reports", narrow.Capability.Name())

	// The derived capability still dispatches through the original.
	out, err := narrow.Capability.Call(context.Background(), "read", map[string]any{"path": "/data/reports/q1"})
	require.NoError(t, err)
	assert.Equal(t, "contents of /data/reports/q1", out)
}

func TestUnknownOperationFailsAtLookup(t *testing.T) {
	cap := testCapability("fs")
	_, err := cap.Call(context.Background(), "scribble", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOperation))
	assert.Contains(t, err.Error(), "available: read")
}

func TestEffectsForSubstitutesArgs(t *testing.T) {
	op := OperationSpec{
		Name:    "read",
		Effects: contract.Effects{Reads: []string{"file:{path}"}},
	}
	e := op.EffectsFor(map[string]any{"path": "/tmp/x"})
	assert.Equal(t, []string{"file:/tmp/x"}, e.Reads)
}

func TestDescribeRendersOperationsAndNotes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Install(NewClock(), nil, Descriptor{Kind: KindNative, Factory: "clock"}))

	text, err := r.Describe("clock", docs.Builtin())
	require.NoError(t, err)
	assert.Contains(t, text, "now()")
	assert.Contains(t, text, "sleep(seconds: number)")
	assert.Contains(t, text, "Notes:")
}

func TestFactoryRoundTrip(t *testing.T) {
	cap, err := BuildFromFactory("clock", nil)
	require.NoError(t, err)
	assert.Equal(t, "clock", cap.Name())

	_, err = BuildFromFactory("no_such_factory", nil)
	require.Error(t, err)

	_, err = BuildFromFactory("workspace", nil)
	require.Error(t, err, "workspace requires a root")
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)

	_, err := ws.Call(context.Background(), "read_file", map[string]any{"path": "../outside.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside workspace")

	_, err = ws.Call(context.Background(), "write_file", map[string]any{
		"path": "notes/a.txt", "content": "hello",
	})
	require.NoError(t, err)

	out, err := ws.Call(context.Background(), "read_file", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}
