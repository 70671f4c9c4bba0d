// Package session ties the pieces of one live session together: the
// environment process, the capability registry, the hub of backend
// connections, the relay router, and the snapshot store. All controller
// operations are serialized; the relay router runs concurrently underneath
// so capability calls made by executing code are never blocked by the
// controller's own lock.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vessel/internal/audit"
	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/docs"
	"vessel/internal/envproc"
	"vessel/internal/hub"
	"vessel/internal/interp"
	"vessel/internal/logging"
	"vessel/internal/protocol"
	"vessel/internal/relay"
	"vessel/internal/snapshot"
)

// StrategySpec selects a permission strategy at install time.
type StrategySpec struct {
	Kind   string `json:"kind"`
	Budget int64  `json:"budget,omitempty"`
}

// Strategy kinds accepted by installs.
const (
	StrategyPreApproved   = "pre_approved"
	StrategyContractBased = "contract_based"
	StrategyCallByCall    = "call_by_call"
	StrategyBudget        = "budget"
	StrategyAuditOnly     = "audit_only"
)

// Options configures a controller.
type Options struct {
	Launcher envproc.Launcher
	Store    *snapshot.Store
	// Audit backs the audit-only strategy; nil disables it.
	Audit *audit.Store
	// Approver resolves call-by-call decisions; nil disables that strategy.
	Approver        contract.Approver
	ApprovalTimeout time.Duration
	Docs            docs.Registry
}

// Controller is one live session.
type Controller struct {
	mu   sync.Mutex
	opts Options

	hub      *hub.Hub
	registry *capability.Registry
	docs     docs.Registry

	proc   *envproc.Process
	router *relay.Router

	// backend launch commands, kept for snapshots
	backends map[string]string

	// most recently saved or restored state, used by Recover
	lastState string
}

// New starts a session: a fresh environment process with its relay router
// attached.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("session requires a launcher")
	}
	if opts.Docs == nil {
		opts.Docs = docs.Builtin()
	}
	c := &Controller{
		opts:     opts,
		hub:      hub.New(),
		registry: capability.NewRegistry(),
		docs:     opts.Docs,
		backends: make(map[string]string),
	}
	if err := c.startEnvironment(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) startEnvironment(ctx context.Context) error {
	proc, err := envproc.Start(ctx, c.opts.Launcher)
	if err != nil {
		return err
	}
	c.proc = proc
	var rec audit.Recorder
	if c.opts.Audit != nil {
		rec = c.opts.Audit
	}
	c.router = relay.New(c.registry, proc.RelayRequests(), proc.RelayResponses(), rec)
	return nil
}

func (c *Controller) stopEnvironment() {
	if c.proc != nil {
		c.proc.Close()
	}
	if c.router != nil {
		c.router.Stop()
	}
	c.proc, c.router = nil, nil
}

// request performs one primary-channel round trip against the current
// environment process. Callers hold c.mu.
func (c *Controller) request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if c.proc == nil {
		return protocol.Response{}, envproc.ErrProcessLost
	}
	return c.proc.Request(ctx, req)
}

// Execute runs one snippet in the environment.
func (c *Controller) Execute(ctx context.Context, code string) (*protocol.ExecutionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.request(ctx, protocol.Request{Type: protocol.TypeExecute, Code: code})
	if err != nil {
		return nil, err
	}
	if resp.Execute == nil {
		return nil, fmt.Errorf("environment error: %s", resp.Error)
	}
	return resp.Execute, nil
}

// State reports the environment namespace.
func (c *Controller) State(ctx context.Context) (*protocol.EnvState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(ctx)
}

func (c *Controller) stateLocked(ctx context.Context) (*protocol.EnvState, error) {
	resp, err := c.request(ctx, protocol.Request{Type: protocol.TypeState})
	if err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, fmt.Errorf("environment error: %s", resp.Error)
	}
	return resp.State, nil
}

func (c *Controller) buildStrategy(spec StrategySpec) (contract.Strategy, error) {
	switch spec.Kind {
	case "", StrategyContractBased:
		return contract.ContractBased{}, nil
	case StrategyPreApproved:
		return contract.PreApproved{}, nil
	case StrategyCallByCall:
		if c.opts.Approver == nil {
			return nil, fmt.Errorf("call_by_call strategy requires an approver")
		}
		return contract.CallByCall{Approver: c.opts.Approver, Timeout: c.opts.ApprovalTimeout}, nil
	case StrategyBudget:
		if spec.Budget <= 0 {
			return nil, fmt.Errorf("budget strategy requires a positive budget")
		}
		return contract.NewBudget(spec.Budget), nil
	case StrategyAuditOnly:
		if c.opts.Audit == nil {
			return nil, fmt.Errorf("audit_only strategy requires an audit store")
		}
		return contract.AuditOnly{Auditor: c.opts.Audit.Auditor()}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", spec.Kind)
	}
}

// InstallCapability builds a native capability from a registered factory and
// makes it available inside the environment. Returns the installed name.
func (c *Controller) InstallCapability(ctx context.Context, factory string, options map[string]any, strategy StrategySpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap, err := capability.BuildFromFactory(factory, options)
	if err != nil {
		return "", err
	}
	strat, err := c.buildStrategy(strategy)
	if err != nil {
		return "", err
	}
	desc := capability.Descriptor{Kind: capability.KindNative, Factory: factory, Options: options}
	if err := c.registry.Install(cap, strat, desc); err != nil {
		return "", err
	}
	if err := c.injectBinding(ctx, cap); err != nil {
		c.registry.Uninstall(cap.Name())
		return "", err
	}
	logging.Info("Installed capability %s (%s)", cap.Name(), strat.Name())
	return cap.Name(), nil
}

// InstallBackend connects an external backend through the hub and exposes
// its operations as a relayed capability named name.
func (c *Controller) InstallBackend(ctx context.Context, name, command, description string, ct contract.Contract, strategy StrategySpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installBackendLocked(ctx, name, command, description, ct, strategy)
}

func (c *Controller) installBackendLocked(ctx context.Context, name, command, description string, ct contract.Contract, strategy StrategySpec) error {
	// Reject collisions before touching the hub: connecting under a taken
	// name must not disturb the capability already serving it.
	if _, err := c.registry.Resolve(name); err == nil {
		return fmt.Errorf("capability %q already installed", name)
	}
	strat, err := c.buildStrategy(strategy)
	if err != nil {
		return err
	}
	tools, err := c.hub.Install(ctx, name, command)
	if err != nil {
		return err
	}
	cap := hub.NewRelayed(name, description, tools, ct, c.hub)
	desc := capability.Descriptor{Kind: capability.KindRelay, Command: command}
	if err := c.registry.Install(cap, strat, desc); err != nil {
		c.hub.Uninstall(name)
		return err
	}
	if err := c.injectBinding(ctx, cap); err != nil {
		c.registry.Uninstall(name)
		c.hub.Uninstall(name)
		return err
	}
	c.backends[name] = command
	logging.Info("Installed backend %s (%d operations, %s)", name, len(tools), strat.Name())
	return nil
}

// UninstallCapability removes a capability. The stub inside the environment
// survives; calls through it fail as unknown from then on.
func (c *Controller) UninstallCapability(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registry.Uninstall(name); err != nil {
		return err
	}
	if _, isBackend := c.backends[name]; isBackend {
		delete(c.backends, name)
		if err := c.hub.Uninstall(name); err != nil {
			logging.Error("Releasing backend %s: %v", name, err)
		}
	}
	return nil
}

// DeriveCapability installs a restricted view of an existing capability
// under a new name and binds it in the environment. The original stays
// installed, unchanged.
func (c *Controller) DeriveCapability(ctx context.Context, name, newName string, restriction contract.Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registry.Derive(name, newName, restriction); err != nil {
		return err
	}
	binding, err := c.registry.Resolve(newName)
	if err != nil {
		return err
	}
	if err := c.injectBinding(ctx, binding.Capability); err != nil {
		c.registry.Uninstall(newName)
		return err
	}
	return nil
}

// DescribeCapability renders the self-documentation of an installed
// capability.
func (c *Controller) DescribeCapability(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Describe(name, c.docs)
}

// ListCapabilities names the installed capabilities.
func (c *Controller) ListCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Names()
}

// injectBinding creates the capability stub inside the environment.
func (c *Controller) injectBinding(ctx context.Context, cap capability.Capability) error {
	ops := make([]interp.BindOp, 0, len(cap.Operations()))
	for _, op := range cap.Operations() {
		names := make([]string, len(op.Params))
		for i, p := range op.Params {
			names[i] = p.Name
		}
		ops = append(ops, interp.BindOp{Name: op.Name, Params: names})
	}
	resp, err := c.request(ctx, protocol.Request{
		Type: protocol.TypeInject,
		Name: cap.Name(),
		Code: interp.BindExpr(cap.Name(), ops),
	})
	if err != nil {
		return err
	}
	if resp.Inject == nil {
		return fmt.Errorf("environment error: %s", resp.Error)
	}
	if !resp.Inject.Success {
		return fmt.Errorf("bind %s: %s", cap.Name(), resp.Inject.Error)
	}
	return nil
}

// Reset discards the environment namespace by replacing the environment
// process. Installed capabilities and backend connections survive and are
// re-bound in the fresh namespace.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) error {
	c.stopEnvironment()
	if err := c.startEnvironment(ctx); err != nil {
		return err
	}
	for _, name := range c.registry.Names() {
		binding, err := c.registry.Resolve(name)
		if err != nil {
			continue
		}
		if err := c.injectBinding(ctx, binding.Capability); err != nil {
			return fmt.Errorf("rebind %s: %w", name, err)
		}
	}
	logging.Info("Environment reset (%d capabilities re-bound)", len(c.registry.Names()))
	return nil
}

// Restart tears the whole session down to empty: fresh environment, no
// capabilities, no backend connections.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopEnvironment()
	c.registry.Reset()
	c.hub.Close()
	c.backends = make(map[string]string)
	return c.startEnvironment(ctx)
}

// Recover replaces a dead session. When a state was saved or restored
// during this session it comes back from that snapshot; otherwise the
// session restarts empty and the report is nil.
func (c *Controller) Recover(ctx context.Context) (*snapshot.RestoreReport, error) {
	c.mu.Lock()
	name := c.lastState
	c.mu.Unlock()
	if name == "" || c.opts.Store == nil {
		return nil, c.Restart(ctx)
	}
	return c.RestoreState(ctx, name)
}

// Lost reports whether the environment process has died; Execute and State
// will fail until Reset or Restart.
func (c *Controller) Lost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc == nil || c.proc.Lost()
}

// Close releases everything the session holds.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopEnvironment()
	c.hub.Close()
	return nil
}
