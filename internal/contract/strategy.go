package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPermissionDenied marks a relay request rejected by a permission
// strategy. Callers match it with errors.Is.
var ErrPermissionDenied = errors.New("permission denied")

// CallInfo is one capability invocation as seen by a permission strategy:
// the raw request plus the operation's concrete effects and the contract
// installed for the capability.
type CallInfo struct {
	Capability string
	Operation  string
	Args       map[string]any
	Effects    Effects
	Contract   Contract
}

func (c CallInfo) String() string {
	return fmt.Sprintf("%s.%s", c.Capability, c.Operation)
}

// Strategy decides whether one capability invocation may proceed. A nil
// error means the call is approved.
type Strategy interface {
	Name() string
	Authorize(ctx context.Context, call CallInfo) error
}

// Approver resolves call-by-call decisions with the external controller.
// Implementations must return promptly or honor ctx cancellation.
type Approver interface {
	Approve(ctx context.Context, call CallInfo) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, call CallInfo) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, call CallInfo) (bool, error) {
	return f(ctx, call)
}

// Auditor receives a record of every call seen by an audit-only strategy.
type Auditor interface {
	Audit(ctx context.Context, call CallInfo, decision string)
}

// PreApproved allows every call without consultation. Install it for
// capabilities the controller trusted at install time.
type PreApproved struct{}

func (PreApproved) Name() string { return "pre_approved" }

func (PreApproved) Authorize(ctx context.Context, call CallInfo) error { return nil }

// ContractBased checks each call's concrete effects against the contract
// approved when the capability was installed. Uncovered calls are rejected
// without any mid-call prompting.
type ContractBased struct{}

func (ContractBased) Name() string { return "contract_based" }

func (ContractBased) Authorize(ctx context.Context, call CallInfo) error {
	if err := call.Contract.Covers(call.Effects); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, call, err)
	}
	return nil
}

// CallByCall consults the external controller synchronously for every call.
// A decision that does not arrive within Timeout fails only this call, as a
// rejection.
type CallByCall struct {
	Approver Approver
	Timeout  time.Duration
}

func (CallByCall) Name() string { return "call_by_call" }

func (s CallByCall) Authorize(ctx context.Context, call CallInfo) error {
	if s.Approver == nil {
		return fmt.Errorf("%w: %s: no approver configured", ErrPermissionDenied, call)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	type decision struct {
		ok  bool
		err error
	}
	ch := make(chan decision, 1)
	go func() {
		ok, err := s.Approver.Approve(ctx, call)
		ch <- decision{ok, err}
	}()
	select {
	case d := <-ch:
		if d.err != nil {
			return fmt.Errorf("%w: %s: approval failed: %v", ErrPermissionDenied, call, d.err)
		}
		if !d.ok {
			return fmt.Errorf("%w: %s: rejected by controller", ErrPermissionDenied, call)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: approval timed out", ErrPermissionDenied, call)
	}
}

// Budget approves calls while quota remains, decrementing atomically per
// approved call. The quota never goes negative and never resets within a
// session.
type Budget struct {
	mu        sync.Mutex
	remaining int64
}

// NewBudget creates a budget strategy with the given quota.
func NewBudget(quota int64) *Budget {
	return &Budget{remaining: quota}
}

func (*Budget) Name() string { return "budget" }

func (b *Budget) Authorize(ctx context.Context, call CallInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return fmt.Errorf("%w: %s: call budget exhausted", ErrPermissionDenied, call)
	}
	b.remaining--
	return nil
}

// Remaining reports the unspent quota.
func (b *Budget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// AuditOnly approves every call and appends a record of it.
type AuditOnly struct {
	Auditor Auditor
}

func (AuditOnly) Name() string { return "audit_only" }

func (s AuditOnly) Authorize(ctx context.Context, call CallInfo) error {
	if s.Auditor != nil {
		s.Auditor.Audit(ctx, call, "allowed")
	}
	return nil
}
