// Package relay routes capability invocations coming out of the environment
// process: each request is resolved against the registry, checked with the
// capability's permission strategy, dispatched, and answered on the same
// channel under the request's id.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"vessel/internal/audit"
	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/logging"
	"vessel/internal/protocol"
)

const maxLineBytes = 16 * 1024 * 1024

// Router serves one environment's relay channel. Requests are handled each
// in their own goroutine so a slow capability call never blocks the channel;
// response writes are serialized.
type Router struct {
	registry *capability.Registry
	audit    audit.Recorder

	writeMu sync.Mutex
	out     *json.Encoder

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a router over the given relay streams. Denied requests are
// recorded to rec when one is given. It starts serving immediately and
// stops when requests closes or Stop is called.
func New(registry *capability.Registry, requests io.Reader, responses io.Writer, rec audit.Recorder) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		registry: registry,
		audit:    rec,
		out:      json.NewEncoder(responses),
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	go r.serve(ctx, requests)
	return r
}

// Stop cancels in-flight calls and waits for the serve loop to drain.
func (r *Router) Stop() {
	r.cancel()
	<-r.stopped
}

func (r *Router) serve(ctx context.Context, requests io.Reader) {
	defer close(r.stopped)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	scanner := bufio.NewScanner(requests)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var req protocol.RelayRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logging.Error("Dropping malformed relay request: %v", err)
			continue
		}
		inflight.Add(1)
		go func(req protocol.RelayRequest) {
			defer inflight.Done()
			r.respond(r.handle(ctx, req))
		}(req)
	}
	if err := scanner.Err(); err != nil {
		logging.Debug("Relay channel closed: %v", err)
	}
}

func (r *Router) respond(resp protocol.RelayResponse) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.out.Encode(resp); err != nil {
		logging.Error("Relay response write failed: %v", err)
	}
}

// handle resolves, authorizes, and dispatches one request. Every failure
// mode becomes a failed response for the request's id; the environment is
// never left waiting.
func (r *Router) handle(ctx context.Context, req protocol.RelayRequest) protocol.RelayResponse {
	binding, err := r.registry.Resolve(req.Capability)
	if err != nil {
		return protocol.ErrorResponse(req.ID, "%v", err)
	}

	op, err := operationOf(binding.Capability, req.Method)
	if err != nil {
		return protocol.ErrorResponse(req.ID, "%v", err)
	}

	call := contract.CallInfo{
		Capability: req.Capability,
		Operation:  req.Method,
		Args:       req.Kwargs,
		Effects:    op.EffectsFor(req.Kwargs),
		Contract:   binding.Contract,
	}
	if err := binding.Strategy.Authorize(ctx, call); err != nil {
		if errors.Is(err, contract.ErrPermissionDenied) {
			logging.Info("Denied %s: %v", call, err)
			if r.audit != nil {
				if recErr := r.audit.Record(ctx, audit.Entry{
					Capability: call.Capability,
					Operation:  call.Operation,
					Args:       call.Args,
					Decision:   "denied",
				}); recErr != nil {
					logging.Error("Audit record failed for %s: %v", call, recErr)
				}
			}
		}
		return protocol.ErrorResponse(req.ID, "%v", err)
	}

	result, err := binding.Capability.Call(ctx, req.Method, req.Kwargs)
	if err != nil {
		return protocol.ErrorResponse(req.ID, "%v", err)
	}
	return protocol.RelayResponse{
		Type:    protocol.TypeRelayResponse,
		ID:      req.ID,
		Success: true,
		Result:  protocol.JSONValue(result),
	}
}

func operationOf(cap capability.Capability, name string) (capability.OperationSpec, error) {
	for _, op := range cap.Operations() {
		if op.Name == name {
			return op, nil
		}
	}
	return capability.OperationSpec{}, fmt.Errorf("%s.%s: %w", cap.Name(), name, capability.ErrUnknownOperation)
}
