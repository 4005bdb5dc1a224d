package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/pkg/models"
)

// Transport carries kernel messages between one client and the server.
// Implementations must preserve per-connection message order.
type Transport interface {
	Send(msg models.UniversalMessage) error
	Recv(ctx context.Context) (models.UniversalMessage, error)
	Addr() string
	Close() error
}

// ErrTransportClosed is returned once a transport is shut down.
var ErrTransportClosed = fmt.Errorf("kernel: transport closed")

// ── In-process transport ─────────────────────────────────────

// inprocTransport is one end of a channel pair.
type inprocTransport struct {
	name string
	out  chan<- models.UniversalMessage
	in   <-chan models.UniversalMessage

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// InProcPair returns two connected in-process transports, one for each
// side of a kernel conversation. Buffering decouples the sides enough
// for request/broadcast bursts.
func InProcPair() (client, server Transport) {
	toServer := make(chan models.UniversalMessage, 64)
	toClient := make(chan models.UniversalMessage, 64)
	done := make(chan struct{})
	c := &inprocTransport{name: "inproc-client", out: toServer, in: toClient, done: done}
	s := &inprocTransport{name: "inproc-server", out: toClient, in: toServer, done: done}
	return c, s
}

func (t *inprocTransport) Send(msg models.UniversalMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case t.out <- msg:
		return nil
	}
}

func (t *inprocTransport) Recv(ctx context.Context) (models.UniversalMessage, error) {
	select {
	case <-ctx.Done():
		return models.UniversalMessage{}, ctx.Err()
	case <-t.done:
		return models.UniversalMessage{}, ErrTransportClosed
	case msg := <-t.in:
		return msg, nil
	}
}

func (t *inprocTransport) Addr() string { return t.name }

func (t *inprocTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// ── TCP transport ────────────────────────────────────────────

// tcpTransport frames messages as newline-delimited JSON over a single
// connection.
type tcpTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner

	sendMu sync.Mutex
	recvMu sync.Mutex
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &tcpTransport{conn: conn, scanner: scanner}
}

// DialTCP connects to a kernel server.
func DialTCP(addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kernel dial %s: %w", addr, err)
	}
	return newTCPTransport(conn), nil
}

func (t *tcpTransport) Send(msg models.UniversalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kernel encode: %w", err)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("kernel send: %w", err)
	}
	return nil
}

func (t *tcpTransport) Recv(ctx context.Context) (models.UniversalMessage, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}

	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return models.UniversalMessage{}, fmt.Errorf("kernel recv: %w", err)
		}
		return models.UniversalMessage{}, ErrTransportClosed
	}

	var msg models.UniversalMessage
	if err := json.Unmarshal(t.scanner.Bytes(), &msg); err != nil {
		return models.UniversalMessage{}, fmt.Errorf("kernel decode: %w", err)
	}
	return msg, nil
}

func (t *tcpTransport) Addr() string { return t.conn.RemoteAddr().String() }

func (t *tcpTransport) Close() error { return t.conn.Close() }

// TCPListener accepts kernel client connections.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP starts listening for kernel clients on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kernel listen %s: %w", addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Kernel transport listening")
	return &TCPListener{ln: ln}, nil
}

// Accept blocks for the next client transport.
func (l *TCPListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("kernel accept: %w", err)
	}
	return newTCPTransport(conn), nil
}

// Addr reports the bound listen address.
func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting new clients.
func (l *TCPListener) Close() error { return l.ln.Close() }
