package interp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"vessel/internal/protocol"
)

// maxLineBytes bounds one protocol line. Snippets and serialized values can
// be large; 16 MiB leaves ample room.
const maxLineBytes = 16 * 1024 * 1024

// Pipes are the four streams the environment process is given: the primary
// request/response pair and the relay pair. RelayOut and RelayIn may be nil
// when the environment runs without capabilities.
type Pipes struct {
	In       io.Reader
	Out      io.Writer
	RelayOut io.Writer
	RelayIn  io.Reader
}

// Serve runs the environment loop until In closes: one request line in, one
// response line out, strictly in order. Relay calls made by executing code
// interleave on the relay pair while a response is pending.
func Serve(p Pipes, maxSteps uint64) error {
	var relay RelayFunc
	if p.RelayOut != nil && p.RelayIn != nil {
		var writeMu sync.Mutex
		relayWriter := json.NewEncoder(p.RelayOut)
		relayReader := bufio.NewScanner(p.RelayIn)
		relayReader.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		transport := newRelayTransport(
			func(req protocol.RelayRequest) error {
				writeMu.Lock()
				defer writeMu.Unlock()
				return relayWriter.Encode(req)
			},
			func() (protocol.RelayResponse, error) {
				if !relayReader.Scan() {
					if err := relayReader.Err(); err != nil {
						return protocol.RelayResponse{}, err
					}
					return protocol.RelayResponse{}, io.EOF
				}
				var resp protocol.RelayResponse
				if err := json.Unmarshal(relayReader.Bytes(), &resp); err != nil {
					return protocol.RelayResponse{}, fmt.Errorf("invalid relay response: %w", err)
				}
				return resp, nil
			},
			uuid.NewString,
		)
		relay = transport.Call
	}

	engine := NewEngine(relay, maxSteps)
	out := json.NewEncoder(p.Out)

	scanner := bufio.NewScanner(p.In)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := handle(engine, line)
		if err := out.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func handle(engine *Engine, line []byte) protocol.Response {
	req, err := protocol.DecodeLine(line)
	if err != nil {
		return protocol.Response{Error: err.Error()}
	}
	switch req.Type {
	case protocol.TypeExecute:
		return protocol.Response{Execute: engine.Execute(req.Code)}
	case protocol.TypeState:
		return protocol.Response{State: engine.State()}
	case protocol.TypeInject:
		if req.Name == "" {
			return protocol.Response{Error: "inject request missing name"}
		}
		return protocol.Response{Inject: engine.Inject(req.Name, req.Code)}
	case protocol.TypeExport:
		return protocol.Response{Export: engine.Export()}
	case protocol.TypePing:
		return protocol.Response{Pong: true}
	default:
		return protocol.Response{Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}
