package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/kernel"
)

func TestTCPTransport_ExecuteRoundTrip(t *testing.T) {
	ln, err := kernel.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	defer ln.Close()

	srv := kernel.NewServer(kernel.ExprExecutor())
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.Serve(context.Background(), conn)
	}()

	client, err := kernel.DialTCP(ln.Addr())
	if err != nil {
		t.Fatalf("DialTCP() error: %v", err)
	}
	defer client.Close()

	c := kernel.NewResponseCollector(client, 2*time.Second)
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat() over TCP error: %v", err)
	}

	resp, err := c.Execute(context.Background(), "6*7")
	if err != nil {
		t.Fatalf("Execute() over TCP error: %v", err)
	}
	if resp.Status != "ok" || !resp.ReceivedIdle {
		t.Errorf("response = %+v", resp)
	}
	// JSON framing turns numbers into float64.
	if resp.Result["result"] != 42.0 {
		t.Errorf("Result = %v, want 42", resp.Result)
	}
}

func TestInProcTransport_CloseUnblocks(t *testing.T) {
	client, server := kernel.InProcPair()

	done := make(chan error, 1)
	go func() {
		_, err := server.Recv(context.Background())
		done <- err
	}()

	client.Close()
	select {
	case err := <-done:
		if err != kernel.ErrTransportClosed {
			t.Errorf("Recv() after close = %v, want ErrTransportClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() not unblocked by Close()")
	}
}
