package session

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel/internal/contract"
	"vessel/internal/envproc"
	"vessel/internal/snapshot"
)

func newController(t *testing.T) *Controller {
	t.Helper()
	store, err := snapshot.NewStoreFs(afero.NewMemMapFs(), "/states")
	require.NoError(t, err)
	c, err := New(context.Background(), Options{
		Launcher: &envproc.InProcessLauncher{},
		Store:    store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustExecute(t *testing.T, c *Controller, code string) any {
	t.Helper()
	res, err := c.Execute(context.Background(), code)
	require.NoError(t, err)
	require.True(t, res.Success, "%s: %s", code, res.ErrorMessage)
	if res.ReturnValue == nil {
		return nil
	}
	return res.ReturnValue.Value
}

func TestExecutePersistsAcrossCalls(t *testing.T) {
	c := newController(t)

	mustExecute(t, c, "x = 20")
	assert.Equal(t, float64(21), mustExecute(t, c, "x + 1"))

	state, err := c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "int", state.Variables["x"])
	assert.Equal(t, 2, state.HistoryLength)
}

func TestWorkspaceCapabilityEndToEnd(t *testing.T) {
	c := newController(t)
	dir := t.TempDir()

	name, err := c.InstallCapability(context.Background(), "workspace",
		map[string]any{"root": dir}, StrategySpec{Kind: StrategyContractBased})
	require.NoError(t, err)
	assert.Equal(t, "workspace", name)

	mustExecute(t, c, `workspace.write_file("notes.txt", "hello")`)
	assert.Equal(t, "hello", mustExecute(t, c, `workspace.read_file("notes.txt")`))

	res, err := c.Execute(context.Background(), `workspace.read_file("missing.txt")`)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "missing.txt")

	// The failed call did not hurt the session.
	assert.Equal(t, float64(2), mustExecute(t, c, "1 + 1"))
}

func TestUninstallLeavesStubFailingButSessionAlive(t *testing.T) {
	c := newController(t)

	_, err := c.InstallCapability(context.Background(), "clock", nil, StrategySpec{Kind: StrategyPreApproved})
	require.NoError(t, err)
	mustExecute(t, c, "clock.now()")

	require.NoError(t, c.UninstallCapability("clock"))

	res, err := c.Execute(context.Background(), "clock.now()")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "unknown capability")

	assert.Equal(t, float64(2), mustExecute(t, c, "1 + 1"))
}

func TestInstallBackendRejectsTakenNameWithoutDamage(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	_, err := c.InstallCapability(ctx, "clock", nil, StrategySpec{Kind: StrategyPreApproved})
	require.NoError(t, err)
	mustExecute(t, c, "clock.now()")

	err = c.InstallBackend(ctx, "clock", "some-backend-command", "",
		contract.Contract{}, StrategySpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")

	// The collision is detected before anything is torn down; the existing
	// capability keeps working.
	mustExecute(t, c, "clock.now()")
}

func TestDerivedCapabilityIsNarrower(t *testing.T) {
	c := newController(t)
	dir := t.TempDir()

	_, err := c.InstallCapability(context.Background(), "workspace",
		map[string]any{"root": dir}, StrategySpec{Kind: StrategyContractBased})
	require.NoError(t, err)

	require.NoError(t, c.DeriveCapability(context.Background(), "workspace", "readonly",
		contract.Contract{Reads: []string{"file:" + dir + "/**"}}))

	mustExecute(t, c, `workspace.write_file("a.txt", "data")`)
	assert.Equal(t, "data", mustExecute(t, c, `readonly.read_file("a.txt")`))

	res, err := c.Execute(context.Background(), `readonly.write_file("b.txt", "nope")`)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "permission denied")

	// The original is untouched.
	mustExecute(t, c, `workspace.write_file("b.txt", "still fine")`)
}

// Call-by-call approval decides on each capability call in isolation: the
// approver receives the call's arguments and effects but nothing of the
// snippet that produced them, so a decision that depends on mid-snippet
// control flow (check a condition, then act through the capability) can
// only be denied outright or approved blind. That boundary is deliberate;
// this pins it.
func TestCallApprovalSeesOnlyTheDeclaredCall(t *testing.T) {
	var seen []contract.CallInfo
	allow := true
	store, err := snapshot.NewStoreFs(afero.NewMemMapFs(), "/states")
	require.NoError(t, err)
	c, err := New(context.Background(), Options{
		Launcher: &envproc.InProcessLauncher{},
		Store:    store,
		Approver: contract.ApproverFunc(func(_ context.Context, call contract.CallInfo) (bool, error) {
			seen = append(seen, call)
			return allow, nil
		}),
		ApprovalTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	dir := t.TempDir()
	_, err = c.InstallCapability(context.Background(), "workspace",
		map[string]any{"root": dir}, StrategySpec{Kind: StrategyCallByCall})
	require.NoError(t, err)

	// The snippet computes its target before calling; the approver is asked
	// about the finished call only.
	mustExecute(t, c, "name = 'report' + '.txt'\nworkspace.write_file(name, 'data')")

	require.Len(t, seen, 1)
	assert.Equal(t, "workspace", seen[0].Capability)
	assert.Equal(t, "write_file", seen[0].Operation)
	assert.Equal(t, "report.txt", seen[0].Args["path"])
	assert.Equal(t, []string{"file:" + dir + "/report.txt"}, seen[0].Effects.Writes)

	// The only alternative to approving blind is denying the call; the
	// snippet then fails at the call site.
	allow = false
	res, err := c.Execute(context.Background(),
		"name = 'other' + '.txt'\nworkspace.write_file(name, 'data')")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "permission denied")
}

func TestBudgetStrategyExhausts(t *testing.T) {
	c := newController(t)

	_, err := c.InstallCapability(context.Background(), "clock", nil,
		StrategySpec{Kind: StrategyBudget, Budget: 2})
	require.NoError(t, err)

	mustExecute(t, c, "clock.now()")
	mustExecute(t, c, "clock.now()")

	res, err := c.Execute(context.Background(), "clock.now()")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "budget exhausted")
}

func TestDescribeCapability(t *testing.T) {
	c := newController(t)

	_, err := c.InstallCapability(context.Background(), "clock", nil, StrategySpec{})
	require.NoError(t, err)

	text, err := c.DescribeCapability("clock")
	require.NoError(t, err)
	assert.Contains(t, text, "now()")
	assert.Contains(t, text, "sleep(seconds: number)")
}

func TestResetClearsNamespaceButKeepsCapabilities(t *testing.T) {
	c := newController(t)

	_, err := c.InstallCapability(context.Background(), "clock", nil, StrategySpec{Kind: StrategyPreApproved})
	require.NoError(t, err)
	mustExecute(t, c, "x = 1")

	require.NoError(t, c.Reset(context.Background()))

	res, err := c.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, res.Success)

	mustExecute(t, c, "clock.now()")
	assert.Equal(t, []string{"clock"}, c.ListCapabilities())
}

func TestRestartTearsEverythingDown(t *testing.T) {
	c := newController(t)

	_, err := c.InstallCapability(context.Background(), "clock", nil, StrategySpec{})
	require.NoError(t, err)
	mustExecute(t, c, "x = 1")

	require.NoError(t, c.Restart(context.Background()))

	assert.Empty(t, c.ListCapabilities())
	res, err := c.Execute(context.Background(), "clock.now()")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	c := newController(t)
	dir := t.TempDir()
	ctx := context.Background()

	_, err := c.InstallCapability(ctx, "workspace",
		map[string]any{"root": dir}, StrategySpec{Kind: StrategyContractBased})
	require.NoError(t, err)

	mustExecute(t, c, "def double(n):\n    return n * 2")
	mustExecute(t, c, "base = 5")

	doc, err := c.SaveState(ctx, "checkpoint")
	require.NoError(t, err)
	assert.Len(t, doc.Functions, 1)
	assert.Contains(t, doc.Capabilities, "workspace")

	require.NoError(t, c.Restart(ctx))
	res, err := c.Execute(ctx, "double(2)")
	require.NoError(t, err)
	require.False(t, res.Success)

	report, err := c.RestoreState(ctx, "checkpoint")
	require.NoError(t, err)
	assert.Contains(t, report.Restored, "function double")
	assert.Contains(t, report.Restored, "variable base")
	assert.Contains(t, report.Restored, "capability workspace")
	assert.Empty(t, report.Skipped)

	assert.Equal(t, float64(4), mustExecute(t, c, "double(2)"))
	assert.Equal(t, float64(5), mustExecute(t, c, "base"))
	mustExecute(t, c, `workspace.write_file("after.txt", "restored")`)
}

func TestRestoreReportsUnrestorableItems(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	// A lambda bound to a name has no tracked definition source.
	mustExecute(t, c, "f = lambda x: x + 1")
	_, err := c.SaveState(ctx, "partial")
	require.NoError(t, err)

	report, err := c.RestoreState(ctx, "partial")
	require.NoError(t, err)
	assert.NotEmpty(t, report.Skipped)
}

func TestRecoverComesBackFromLastSnapshot(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	mustExecute(t, c, "def double(x):\n    return x * 2")
	_, err := c.SaveState(ctx, "checkpoint")
	require.NoError(t, err)
	mustExecute(t, c, "scratch = 99")

	report, err := c.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)

	// The snapshot's function is back; work after the save is not.
	assert.Equal(t, float64(6), mustExecute(t, c, "double(3)"))
	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state.Variables, "scratch")
}

func TestRecoverWithoutSnapshotRestartsEmpty(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	mustExecute(t, c, "x = 1")
	report, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Variables)
}

func TestListAndDeleteStates(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	mustExecute(t, c, "x = 1")
	_, err := c.SaveState(ctx, "one")
	require.NoError(t, err)
	_, err = c.SaveState(ctx, "two")
	require.NoError(t, err)

	names, err := c.ListStates()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, names)

	require.NoError(t, c.DeleteState("one"))
	names, err = c.ListStates()
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, names)
}
