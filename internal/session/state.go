package session

import (
	"context"
	"fmt"
	"sort"

	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/hub"
	"vessel/internal/logging"
	"vessel/internal/protocol"
	"vessel/internal/snapshot"
)

// SaveState captures the current session under a name: the environment's
// exportable contents plus the descriptors needed to rebuild capabilities
// and backend connections.
func (c *Controller) SaveState(ctx context.Context, name string) (*snapshot.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.Store == nil {
		return nil, fmt.Errorf("no state store configured")
	}

	resp, err := c.request(ctx, protocol.Request{Type: protocol.TypeExport})
	if err != nil {
		return nil, err
	}
	if resp.Export == nil {
		return nil, fmt.Errorf("environment error: %s", resp.Error)
	}
	export := resp.Export

	doc := &snapshot.Document{
		Name:         name,
		Functions:    export.Functions,
		Variables:    export.Variables,
		History:      export.History,
		Unsaved:      export.Unsaved,
		Capabilities: make(map[string]snapshot.CapabilityRecord),
		Backends:     make(map[string]string),
	}
	for backend, command := range c.backends {
		doc.Backends[backend] = command
	}
	for _, capName := range c.registry.Names() {
		binding, err := c.registry.Resolve(capName)
		if err != nil {
			continue
		}
		doc.Capabilities[capName] = snapshot.CapabilityRecord{
			Descriptor: binding.Descriptor,
			Contract:   binding.Contract,
			Strategy:   binding.Strategy.Name(),
		}
	}

	if err := c.opts.Store.Save(doc); err != nil {
		return nil, err
	}
	c.lastState = name
	logging.Info("Saved state %q", name)
	return doc, nil
}

// ListStates names the saved states.
func (c *Controller) ListStates() ([]string, error) {
	if c.opts.Store == nil {
		return nil, fmt.Errorf("no state store configured")
	}
	return c.opts.Store.List()
}

// DeleteState removes a saved state.
func (c *Controller) DeleteState(name string) error {
	if c.opts.Store == nil {
		return fmt.Errorf("no state store configured")
	}
	return c.opts.Store.Delete(name)
}

// RestoreState replaces the session with a saved one. The current namespace
// is discarded; then backends reconnect, capabilities are rebuilt and
// re-bound, function definitions replay in definition order, and plain
// variables are re-bound from their saved values. Items that cannot come
// back are reported, never silently dropped.
func (c *Controller) RestoreState(ctx context.Context, name string) (*snapshot.RestoreReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.Store == nil {
		return nil, fmt.Errorf("no state store configured")
	}

	doc, err := c.opts.Store.Load(name)
	if err != nil {
		return nil, err
	}

	c.stopEnvironment()
	c.registry.Reset()
	c.hub.Close()
	c.backends = make(map[string]string)
	if err := c.startEnvironment(ctx); err != nil {
		return nil, err
	}

	report := &snapshot.RestoreReport{}
	c.restoreCapabilities(ctx, doc, report)
	c.restoreFunctions(ctx, doc, report)
	c.restoreVariables(ctx, doc, report)
	for _, item := range doc.Unsaved {
		report.Skip(item, "was not captured when the state was saved")
	}
	c.lastState = name
	logging.Info("Restored state %q (%d restored, %d skipped)", name, len(report.Restored), len(report.Skipped))
	return report, nil
}

func (c *Controller) restoreCapabilities(ctx context.Context, doc *snapshot.Document, report *snapshot.RestoreReport) {
	names := make([]string, 0, len(doc.Capabilities))
	for capName := range doc.Capabilities {
		names = append(names, capName)
	}
	sort.Strings(names)

	for _, capName := range names {
		record := doc.Capabilities[capName]
		strategy := c.restoredStrategy(record.Strategy, capName, report)
		if strategy == nil {
			report.Skip("capability "+capName, fmt.Sprintf("unknown strategy %q", record.Strategy))
			continue
		}

		var cap capability.Capability
		switch record.Descriptor.Kind {
		case capability.KindNative:
			built, err := capability.BuildFromFactory(record.Descriptor.Factory, record.Descriptor.Options)
			if err != nil {
				report.Skip("capability "+capName, err.Error())
				continue
			}
			cap = built
		case capability.KindRelay:
			command := record.Descriptor.Command
			tools, err := c.hub.Install(ctx, capName, command)
			if err != nil {
				report.Skip("backend "+capName, err.Error())
				continue
			}
			c.backends[capName] = command
			cap = hub.NewRelayed(capName, "", tools, record.Contract, c.hub)
		default:
			report.Skip("capability "+capName, fmt.Sprintf("unknown kind %q", record.Descriptor.Kind))
			continue
		}

		if cap.Name() != capName || cap.Contract().String() != record.Contract.String() {
			cap = capability.Narrow(cap, capName, record.Contract)
		}
		if err := c.registry.Install(cap, strategy, record.Descriptor); err != nil {
			report.Skip("capability "+capName, err.Error())
			continue
		}
		if err := c.injectBinding(ctx, cap); err != nil {
			report.Skip("capability "+capName, err.Error())
			c.registry.Uninstall(capName)
			continue
		}
		report.Restored = append(report.Restored, "capability "+capName)
	}
}

// restoredStrategy rebuilds a permission strategy from its recorded name.
// Interactive and consumable strategies do not survive a restore intact:
// call-by-call needs a live approver and a budget's spent quota is not
// portable, so both come back as contract checking. Returns nil for an
// unrecognized name.
func (c *Controller) restoredStrategy(name, capName string, report *snapshot.RestoreReport) contract.Strategy {
	switch name {
	case StrategyPreApproved:
		return contract.PreApproved{}
	case "", StrategyContractBased:
		return contract.ContractBased{}
	case StrategyAuditOnly:
		if c.opts.Audit == nil {
			report.Warn(fmt.Sprintf("%s: no audit store configured, using contract checking", capName))
			return contract.ContractBased{}
		}
		return contract.AuditOnly{Auditor: c.opts.Audit.Auditor()}
	case StrategyCallByCall, StrategyBudget:
		report.Warn(fmt.Sprintf("%s: %s strategy does not survive restore, using contract checking", capName, name))
		return contract.ContractBased{}
	default:
		return nil
	}
}

func (c *Controller) restoreFunctions(ctx context.Context, doc *snapshot.Document, report *snapshot.RestoreReport) {
	for _, fn := range doc.Functions {
		resp, err := c.request(ctx, protocol.Request{Type: protocol.TypeExecute, Code: fn.Source})
		if err != nil {
			report.Skip("function "+fn.Name, err.Error())
			continue
		}
		if resp.Execute == nil || !resp.Execute.Success {
			report.Skip("function "+fn.Name, executeFailure(resp))
			continue
		}
		report.Restored = append(report.Restored, "function "+fn.Name)
	}
}

func (c *Controller) restoreVariables(ctx context.Context, doc *snapshot.Document, report *snapshot.RestoreReport) {
	names := make([]string, 0, len(doc.Variables))
	for name := range doc.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		expr, ok := snapshot.RebindExpr(doc.Variables[name])
		if !ok {
			report.Skip("variable "+name, "value was saved as an opaque description")
			continue
		}
		resp, err := c.request(ctx, protocol.Request{Type: protocol.TypeInject, Name: name, Code: expr})
		if err != nil {
			report.Skip("variable "+name, err.Error())
			continue
		}
		if resp.Inject == nil || !resp.Inject.Success {
			reason := resp.Error
			if resp.Inject != nil {
				reason = resp.Inject.Error
			}
			report.Skip("variable "+name, reason)
			continue
		}
		report.Restored = append(report.Restored, "variable "+name)
	}
}

func executeFailure(resp protocol.Response) string {
	if resp.Execute != nil {
		return resp.Execute.ErrorMessage
	}
	return resp.Error
}
