package envproc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel/internal/protocol"
)

func startProcess(t *testing.T) *Process {
	t.Helper()
	p, err := Start(context.Background(), &InProcessLauncher{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestStartHandshake(t *testing.T) {
	p := startProcess(t)
	assert.False(t, p.Lost())
}

func TestRequestRoundTrip(t *testing.T) {
	p := startProcess(t)

	resp, err := p.Request(context.Background(), protocol.Request{Type: protocol.TypeExecute, Code: "x = 40"})
	require.NoError(t, err)
	require.NotNil(t, resp.Execute)
	assert.True(t, resp.Execute.Success)

	resp, err = p.Request(context.Background(), protocol.Request{Type: protocol.TypeExecute, Code: "x + 2"})
	require.NoError(t, err)
	require.NotNil(t, resp.Execute.ReturnValue)
	assert.Equal(t, float64(42), resp.Execute.ReturnValue.Value)
}

func TestStateOverChannel(t *testing.T) {
	p := startProcess(t)

	_, err := p.Request(context.Background(), protocol.Request{Type: protocol.TypeExecute, Code: "greeting = \"hi\""})
	require.NoError(t, err)

	resp, err := p.Request(context.Background(), protocol.Request{Type: protocol.TypeState})
	require.NoError(t, err)
	require.NotNil(t, resp.State)
	assert.Equal(t, "string", resp.State.Variables["greeting"])
	assert.Equal(t, 1, resp.State.HistoryLength)
}

func TestLostChannelIsReported(t *testing.T) {
	p := startProcess(t)

	require.NoError(t, p.Close())
	_, err := p.Request(context.Background(), protocol.Request{Type: protocol.TypePing})
	assert.True(t, errors.Is(err, ErrProcessLost))
	assert.True(t, p.Lost())
}

func TestMaxStepsPropagates(t *testing.T) {
	p, err := Start(context.Background(), &InProcessLauncher{MaxSteps: 100})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	resp, err := p.Request(context.Background(), protocol.Request{
		Type: protocol.TypeExecute,
		Code: "r = [i for i in range(100000)]",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Execute)
	assert.False(t, resp.Execute.Success)
}
