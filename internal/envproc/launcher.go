package envproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"vessel/internal/interp"
	"vessel/internal/logging"
)

// ExecLauncher runs the environment as a subprocess of the host binary,
// re-invoking it with a dedicated subcommand. The relay pair rides on two
// inherited file descriptors beyond the standard three.
type ExecLauncher struct {
	// Binary is the executable to run. Empty means the current binary.
	Binary string
	// Subcommand is the argument that selects environment mode.
	Subcommand string
	// MaxSteps caps the computation of a single snippet. Zero means no cap.
	MaxSteps uint64
}

// File descriptor numbers the child sees for the relay pair. ExtraFiles
// entry i becomes fd 3+i.
const (
	relayOutFD = 3
	relayInFD  = 4
)

func (l *ExecLauncher) Launch(ctx context.Context) (*Conn, error) {
	binary := l.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		binary = self
	}
	sub := l.Subcommand
	if sub == "" {
		sub = "interp"
	}

	// Child writes relay requests; supervisor reads them.
	relayReqRead, relayReqWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("relay pipe: %w", err)
	}
	// Supervisor writes relay responses; child reads them.
	relayRespRead, relayRespWrite, err := os.Pipe()
	if err != nil {
		relayReqRead.Close()
		relayReqWrite.Close()
		return nil, fmt.Errorf("relay pipe: %w", err)
	}

	args := []string{sub}
	if l.MaxSteps > 0 {
		args = append(args, "--max-steps", strconv.FormatUint(l.MaxSteps, 10))
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{relayReqWrite, relayRespRead}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("environment stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("environment stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		relayReqRead.Close()
		relayReqWrite.Close()
		relayRespRead.Close()
		relayRespWrite.Close()
		return nil, fmt.Errorf("start environment: %w", err)
	}
	logging.Debug("Environment process started (pid %d)", cmd.Process.Pid)

	// The child holds its own copies now.
	relayReqWrite.Close()
	relayRespRead.Close()

	return &Conn{
		In:             stdin,
		Out:            stdout,
		RelayRequests:  relayReqRead,
		RelayResponses: relayRespWrite,
		Wait:           cmd.Wait,
		Kill:           func() { _ = cmd.Process.Kill() },
	}, nil
}

// InterpPipes assembles the stream bundle for a process running in
// environment mode, from its inherited descriptors.
func InterpPipes() interp.Pipes {
	return interp.Pipes{
		In:       os.Stdin,
		Out:      os.Stdout,
		RelayOut: os.NewFile(relayOutFD, "relay-out"),
		RelayIn:  os.NewFile(relayInFD, "relay-in"),
	}
}

// InProcessLauncher runs the environment loop in a goroutine of the host
// process, connected over in-memory pipes. Used for embedded mode and tests;
// it trades process isolation for zero spawn cost.
type InProcessLauncher struct {
	MaxSteps uint64
}

func (l *InProcessLauncher) Launch(_ context.Context) (*Conn, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	relayReqR, relayReqW := io.Pipe()
	relayRespR, relayRespW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := interp.Serve(interp.Pipes{
			In:       reqR,
			Out:      respW,
			RelayOut: relayReqW,
			RelayIn:  relayRespR,
		}, l.MaxSteps)
		respW.CloseWithError(io.EOF)
		relayReqW.CloseWithError(io.EOF)
		done <- err
	}()

	return &Conn{
		In:             reqW,
		Out:            respR,
		RelayRequests:  relayReqR,
		RelayResponses: relayRespW,
		Wait:           func() error { return <-done },
		Kill:           func() { reqR.CloseWithError(io.ErrClosedPipe) },
	}, nil
}
