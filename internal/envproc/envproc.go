// Package envproc launches and supervises the environment process: the
// isolated child that hosts the execution namespace. The supervisor talks to
// it over the primary request/response pair; capability invocations flow the
// other way over the relay pair.
package envproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"vessel/internal/logging"
	"vessel/internal/protocol"
)

// ErrProcessLost reports that the environment process died or closed its
// channel mid-conversation. The namespace it held is gone.
var ErrProcessLost = errors.New("environment process lost")

const maxLineBytes = 16 * 1024 * 1024

// Conn bundles the streams a launched environment exposes.
type Conn struct {
	// In accepts primary-channel request lines.
	In io.WriteCloser
	// Out yields primary-channel response lines.
	Out io.Reader
	// RelayRequests yields relay requests originated by the environment.
	RelayRequests io.Reader
	// RelayResponses accepts the correlated relay responses.
	RelayResponses io.WriteCloser

	// Wait blocks until the environment exits; Kill forces it down.
	Wait func() error
	Kill func()
}

// Launcher starts a fresh environment. Implementations decide whether that
// means a subprocess or an in-process goroutine.
type Launcher interface {
	Launch(ctx context.Context) (*Conn, error)
}

// Process manages one live environment. All primary-channel traffic is
// strictly serialized; losing the channel marks the process dead until the
// owner replaces it.
type Process struct {
	mu      sync.Mutex
	conn    *Conn
	scanner *bufio.Scanner
	encoder *json.Encoder
	lost    bool
}

// Start launches an environment and verifies it with a ping handshake.
func Start(ctx context.Context, launcher Launcher) (*Process, error) {
	conn, err := launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch environment: %w", err)
	}

	p := &Process{
		conn:    conn,
		encoder: json.NewEncoder(conn.In),
		scanner: newLineScanner(conn.Out),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := p.Request(pingCtx, protocol.Request{Type: protocol.TypePing})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("environment handshake: %w", err)
	}
	if !resp.Pong {
		p.Close()
		return nil, fmt.Errorf("environment handshake: unexpected response")
	}
	logging.Debug("Environment process ready")
	return p, nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}

// Request performs one primary-channel round trip. Concurrent callers queue;
// the environment answers strictly in order. Context cancellation abandons
// the wait but the process is then considered lost, since the channel can no
// longer be resynchronized.
func (p *Process) Request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lost {
		return protocol.Response{}, ErrProcessLost
	}
	if err := p.encoder.Encode(req); err != nil {
		p.lost = true
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrProcessLost, err)
	}

	type scanResult struct {
		line []byte
		err  error
	}
	ch := make(chan scanResult, 1)
	go func() {
		if !p.scanner.Scan() {
			err := p.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- scanResult{err: err}
			return
		}
		line := make([]byte, len(p.scanner.Bytes()))
		copy(line, p.scanner.Bytes())
		ch <- scanResult{line: line}
	}()

	select {
	case <-ctx.Done():
		p.lost = true
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrProcessLost, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			p.lost = true
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrProcessLost, res.err)
		}
		var resp protocol.Response
		if err := json.Unmarshal(res.line, &resp); err != nil {
			p.lost = true
			return protocol.Response{}, fmt.Errorf("%w: invalid response: %v", ErrProcessLost, err)
		}
		return resp, nil
	}
}

// RelayRequests exposes the stream of relay requests for the router.
func (p *Process) RelayRequests() io.Reader { return p.conn.RelayRequests }

// RelayResponses exposes the stream the router answers on.
func (p *Process) RelayResponses() io.Writer { return p.conn.RelayResponses }

// Lost reports whether the primary channel has failed.
func (p *Process) Lost() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost
}

// Close tears the environment down and reaps it. Safe to call more than
// once.
func (p *Process) Close() error {
	p.mu.Lock()
	p.lost = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	if conn.In != nil {
		conn.In.Close()
	}
	if conn.RelayResponses != nil {
		conn.RelayResponses.Close()
	}
	if conn.Wait != nil {
		if err := waitWithTimeout(conn, 5*time.Second); err != nil {
			return err
		}
	}
	return nil
}

func waitWithTimeout(conn *Conn, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- conn.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		if conn.Kill != nil {
			conn.Kill()
		}
		return <-done
	}
}
