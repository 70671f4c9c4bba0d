package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel/internal/audit"
	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/protocol"
)

type routerHarness struct {
	registry *capability.Registry
	requests *io.PipeWriter
	resps    *bufio.Scanner
	router   *Router
}

func startRouter(t *testing.T, registry *capability.Registry) *routerHarness {
	return startRouterWithAudit(t, registry, nil)
}

func startRouterWithAudit(t *testing.T, registry *capability.Registry, rec audit.Recorder) *routerHarness {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	router := New(registry, reqR, respW, rec)
	t.Cleanup(func() {
		reqW.Close()
		router.Stop()
	})
	return &routerHarness{
		registry: registry,
		requests: reqW,
		resps:    bufio.NewScanner(respR),
		router:   router,
	}
}

func (h *routerHarness) send(t *testing.T, req protocol.RelayRequest) {
	t.Helper()
	require.NoError(t, json.NewEncoder(h.requests).Encode(req))
}

func (h *routerHarness) receive(t *testing.T) protocol.RelayResponse {
	t.Helper()
	require.True(t, h.resps.Scan())
	var resp protocol.RelayResponse
	require.NoError(t, json.Unmarshal(h.resps.Bytes(), &resp))
	return resp
}

func echoCapability(name string) capability.Capability {
	cap := capability.NewNative(name, "Echoes its arguments.", contract.Contract{})
	cap.Register(capability.OperationSpec{
		Name:   "echo",
		Params: []capability.ParamSpec{{Name: "text", Type: "string", Required: true}},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	return cap
}

func TestDispatchSuccess(t *testing.T) {
	registry := capability.NewRegistry()
	require.NoError(t, registry.Install(echoCapability("echo"), nil, capability.Descriptor{Kind: capability.KindNative}))
	h := startRouter(t, registry)

	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "r1",
		Capability: "echo", Method: "echo",
		Kwargs: map[string]any{"text": "hi"},
	})

	resp := h.receive(t)
	assert.Equal(t, "r1", resp.ID)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "hi", resp.Result.Value)
}

func TestUnknownCapabilityAnswersPromptly(t *testing.T) {
	h := startRouter(t, capability.NewRegistry())

	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "r1",
		Capability: "ghost", Method: "walk",
	})

	got := make(chan protocol.RelayResponse, 1)
	go func() { got <- h.receive(t) }()
	select {
	case resp := <-got:
		assert.Equal(t, "r1", resp.ID)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "ghost")
	case <-time.After(5 * time.Second):
		t.Fatal("no response for unknown capability")
	}
}

func TestUnknownOperationAnswered(t *testing.T) {
	registry := capability.NewRegistry()
	require.NoError(t, registry.Install(echoCapability("echo"), nil, capability.Descriptor{Kind: capability.KindNative}))
	h := startRouter(t, registry)

	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "r2",
		Capability: "echo", Method: "shout",
	})

	resp := h.receive(t)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "shout")
}

func TestStrategyDenialBecomesFailedResponse(t *testing.T) {
	registry := capability.NewRegistry()
	denyAll := contract.CallByCall{
		Approver: contract.ApproverFunc(func(_ context.Context, _ contract.CallInfo) (bool, error) {
			return false, nil
		}),
		Timeout: time.Second,
	}
	require.NoError(t, registry.Install(echoCapability("echo"), denyAll, capability.Descriptor{Kind: capability.KindNative}))
	h := startRouter(t, registry)

	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "r3",
		Capability: "echo", Method: "echo",
		Kwargs: map[string]any{"text": "hi"},
	})

	resp := h.receive(t)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "permission denied")
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(_ context.Context, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func TestDenialIsAudited(t *testing.T) {
	registry := capability.NewRegistry()
	denyAll := contract.CallByCall{
		Approver: contract.ApproverFunc(func(_ context.Context, _ contract.CallInfo) (bool, error) {
			return false, nil
		}),
		Timeout: time.Second,
	}
	require.NoError(t, registry.Install(echoCapability("echo"), denyAll, capability.Descriptor{Kind: capability.KindNative}))
	rec := &recordingAuditor{}
	h := startRouterWithAudit(t, registry, rec)

	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "r4",
		Capability: "echo", Method: "echo",
		Kwargs: map[string]any{"text": "hi"},
	})
	resp := h.receive(t)
	require.False(t, resp.Success)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "echo", rec.entries[0].Capability)
	assert.Equal(t, "echo", rec.entries[0].Operation)
	assert.Equal(t, "denied", rec.entries[0].Decision)
}

func TestConcurrentRequestsDoNotBlockEachOther(t *testing.T) {
	registry := capability.NewRegistry()
	release := make(chan struct{})

	slow := capability.NewNative("slow", "", contract.Contract{})
	slow.Register(capability.OperationSpec{Name: "wait"}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, registry.Install(slow, nil, capability.Descriptor{Kind: capability.KindNative}))
	require.NoError(t, registry.Install(echoCapability("echo"), nil, capability.Descriptor{Kind: capability.KindNative}))
	h := startRouter(t, registry)

	h.send(t, protocol.RelayRequest{Type: protocol.TypeRelayRequest, ID: "slow-1", Capability: "slow", Method: "wait"})
	h.send(t, protocol.RelayRequest{
		Type: protocol.TypeRelayRequest, ID: "fast-1",
		Capability: "echo", Method: "echo", Kwargs: map[string]any{"text": "hi"},
	})

	// The fast request completes while the slow one is still in flight.
	resp := h.receive(t)
	assert.Equal(t, "fast-1", resp.ID)
	require.True(t, resp.Success)

	close(release)
	resp = h.receive(t)
	assert.Equal(t, "slow-1", resp.ID)
	assert.True(t, resp.Success)
}
