package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/pkg/models"
)

// DefaultResponseTimeout bounds how long a client waits for a complete
// reply stream.
const DefaultResponseTimeout = 30 * time.Second

// StreamChunk is one captured output fragment, in arrival order.
type StreamChunk struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// OutputCapture accumulates execution output; Flush drains it into
// IOPub stream broadcasts. Chunks keep the order handed to
// HandleOutput.
type OutputCapture struct {
	mu     sync.Mutex
	chunks []StreamChunk
}

// HandleOutput appends one output fragment.
func (c *OutputCapture) HandleOutput(name, text string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, StreamChunk{Name: name, Text: text})
	c.mu.Unlock()
}

// Flush returns and clears the captured chunks.
func (c *OutputCapture) Flush() []StreamChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.chunks
	c.chunks = nil
	return out
}

// Executor runs one code fragment, writing output through the capture.
// The returned map becomes the execute_result data.
type Executor func(ctx context.Context, code string, out *OutputCapture) (map[string]interface{}, error)

// Server drives the kernel side of the protocol over one transport per
// client.
type Server struct {
	protocol *ProtocolEngine
	executor Executor

	execCount   atomic.Uint64
	interrupted atomic.Bool
	onShutdown  func()
}

// NewServer creates a kernel server around an executor.
func NewServer(executor Executor) *Server {
	return &Server{protocol: NewProtocolEngine(), executor: executor}
}

// OnShutdown registers a callback fired when a client requests
// shutdown.
func (s *Server) OnShutdown(fn func()) { s.onShutdown = fn }

// ExecutionCount reports how many executions this server has run.
func (s *Server) ExecutionCount() uint64 { return s.execCount.Load() }

// Serve processes messages from one client transport until the
// transport closes, the context ends, or a shutdown request arrives.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	for {
		msg, err := t.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Channel {
		case models.ChannelHeartbeat:
			// Echo verbatim.
			if err := t.Send(msg); err != nil {
				return err
			}

		case models.ChannelShell:
			if err := s.handleShell(ctx, t, msg); err != nil {
				return err
			}

		case models.ChannelControl:
			stop, err := s.handleControl(t, msg)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}

		default:
			log.Warn().Str("channel", string(msg.Channel)).Str("method", msg.Content.Method).
				Msg("Unexpected kernel message ignored")
		}
	}
}

func (s *Server) handleShell(ctx context.Context, t Transport, msg models.UniversalMessage) error {
	switch msg.Content.Method {
	case "execute_request":
		return s.handleExecute(ctx, t, msg)
	case "inspect_request", "complete_request":
		// Accepted but unimplemented; reply empty so clients do not
		// hang waiting.
		reply := NewReply(msg, "ok", map[string]interface{}{})
		return t.Send(reply)
	default:
		reply := NewReply(msg, "error", map[string]interface{}{
			"ename":  "UnknownMethod",
			"evalue": "unsupported shell method: " + msg.Content.Method,
		})
		return t.Send(reply)
	}
}

// handleExecute runs the busy/idle framed execution flow: status=busy,
// execute_input, streamed output, execute_reply, status=idle.
func (s *Server) handleExecute(ctx context.Context, t Transport, req models.UniversalMessage) error {
	code, _ := req.Content.Params["code"].(string)
	count := s.execCount.Add(1)

	if err := t.Send(NewBroadcast(req, "status", map[string]interface{}{"execution_state": "busy"})); err != nil {
		return err
	}
	if err := t.Send(NewBroadcast(req, "execute_input", map[string]interface{}{
		"code": code, "execution_count": count,
	})); err != nil {
		return err
	}

	capture := &OutputCapture{}
	result, execErr := s.executor(ctx, code, capture)

	for _, chunk := range capture.Flush() {
		if err := t.Send(NewBroadcast(req, "stream", map[string]interface{}{
			"name": chunk.Name, "text": chunk.Text,
		})); err != nil {
			return err
		}
	}

	status := "ok"
	if execErr != nil {
		status = "error"
		if err := t.Send(NewBroadcast(req, "error", map[string]interface{}{
			"ename":     "ExecutionError",
			"evalue":    execErr.Error(),
			"traceback": []string{execErr.Error()},
		})); err != nil {
			return err
		}
	} else if result != nil {
		if err := t.Send(NewBroadcast(req, "execute_result", map[string]interface{}{
			"execution_count": count,
			"data":            result,
		})); err != nil {
			return err
		}
	}

	reply := NewReply(req, status, map[string]interface{}{"execution_count": count})
	if err := t.Send(reply); err != nil {
		return err
	}
	return t.Send(NewBroadcast(req, "status", map[string]interface{}{"execution_state": "idle"}))
}

func (s *Server) handleControl(t Transport, msg models.UniversalMessage) (stop bool, err error) {
	switch msg.Content.Method {
	case "interrupt_request":
		s.interrupted.Store(true)
		return false, t.Send(NewReply(msg, "ok", nil))
	case "shutdown_request":
		if err := t.Send(NewReply(msg, "ok", map[string]interface{}{"restart": false})); err != nil {
			return true, err
		}
		if s.onShutdown != nil {
			s.onShutdown()
		}
		log.Info().Msg("Kernel shutdown requested")
		return true, nil
	default:
		return false, t.Send(NewReply(msg, "error", map[string]interface{}{
			"evalue": "unsupported control method: " + msg.Content.Method,
		}))
	}
}

// RequestInput sends a Stdin input_request and waits for the reply.
// Used by executors that need interactive input.
func RequestInput(ctx context.Context, t Transport, prompt string, password bool) (string, error) {
	req := NewRequest(models.ChannelStdin, "input_request", map[string]interface{}{
		"prompt": prompt, "password": password,
	})
	if err := t.Send(req); err != nil {
		return "", err
	}
	for {
		msg, err := t.Recv(ctx)
		if err != nil {
			return "", err
		}
		if msg.Channel == models.ChannelStdin && msg.Metadata.ParentID == req.ID {
			value, _ := msg.Content.Result["value"].(string)
			return value, nil
		}
	}
}

// ── Client side ──────────────────────────────────────────────

// ExecError is a broadcast execution error.
type ExecError struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

func (e *ExecError) Error() string { return e.Name + ": " + e.Value }

// ExecutionResponse is the assembled reply stream for one request.
type ExecutionResponse struct {
	Status         string                 `json:"status"`
	ExecutionCount uint64                 `json:"execution_count"`
	Streams        []StreamChunk          `json:"streams,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Err            *ExecError             `json:"error,omitempty"`
	ReceivedIdle   bool                   `json:"received_idle"`
}

// ResponseCollector is the client-side request driver: it sends a
// request and gathers broadcasts until both the Shell reply and the
// idle status have arrived.
type ResponseCollector struct {
	transport Transport
	timeout   time.Duration
}

// NewResponseCollector wraps a client transport. A non-positive timeout
// uses the default.
func NewResponseCollector(t Transport, timeout time.Duration) *ResponseCollector {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &ResponseCollector{transport: t, timeout: timeout}
}

// Execute sends an execute_request and collects the full reply stream.
func (c *ResponseCollector) Execute(ctx context.Context, code string) (*ExecutionResponse, error) {
	req := NewRequest(models.ChannelShell, "execute_request", map[string]interface{}{"code": code})
	return c.Collect(ctx, req)
}

// Collect sends a request and gathers its correlated messages until
// the reply and the idle transition are both seen.
func (c *ResponseCollector) Collect(ctx context.Context, req models.UniversalMessage) (*ExecutionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Send(req); err != nil {
		return nil, err
	}

	resp := &ExecutionResponse{}
	haveReply := false
	for !haveReply || !resp.ReceivedIdle {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return resp, &models.ScriptError{
					Code:    models.CodeTimeout,
					Message: fmt.Sprintf("no complete reply within %s", c.timeout),
				}
			}
			return resp, err
		}
		if msg.Metadata.ParentID != req.ID {
			continue
		}

		switch msg.Channel {
		case req.Channel:
			resp.Status = msg.Content.Status
			// JSON transports deliver numbers as float64, in-process
			// transports keep the original type.
			switch n := msg.Content.Result["execution_count"].(type) {
			case float64:
				resp.ExecutionCount = uint64(n)
			case uint64:
				resp.ExecutionCount = n
			}
			haveReply = true

		case models.ChannelIOPub:
			switch msg.Content.Broadcast {
			case "status":
				if msg.Content.Data["execution_state"] == "idle" {
					resp.ReceivedIdle = true
				}
			case "stream":
				name, _ := msg.Content.Data["name"].(string)
				text, _ := msg.Content.Data["text"].(string)
				resp.Streams = append(resp.Streams, StreamChunk{Name: name, Text: text})
			case "execute_result":
				if data, ok := msg.Content.Data["data"].(map[string]interface{}); ok {
					resp.Result = data
				}
			case "error":
				resp.Err = &ExecError{}
				resp.Err.Name, _ = msg.Content.Data["ename"].(string)
				resp.Err.Value, _ = msg.Content.Data["evalue"].(string)
			}
		}
	}
	return resp, nil
}

// Heartbeat sends one heartbeat and waits for the echo.
func (c *ResponseCollector) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ping := models.UniversalMessage{
		ID:       uuid.NewString(),
		Protocol: ProtocolVersion,
		Channel:  models.ChannelHeartbeat,
		Metadata: models.MessageMetadata{Timestamp: time.Now().UTC()},
	}
	if err := c.transport.Send(ping); err != nil {
		return err
	}
	for {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.Channel == models.ChannelHeartbeat && msg.ID == ping.ID {
			return nil
		}
	}
}
