package telnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer listens on loopback and hands the accepted conn to fn.
func startServer(t *testing.T, fn func(conn net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestConnectAndReceiveData(t *testing.T) {
	host, port := startServer(t, func(conn net.Conn) {
		conn.Write([]byte{0xFF, 0xFD, 0x18}) // DO TERMINAL-TYPE
		conn.Write([]byte("Welcome\r\n"))

		// Expect WILL TERMINAL-TYPE back.
		buf := make([]byte, 3)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(buf); err == nil {
			// hold the conn open until the client disconnects
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			conn.Read(buf)
		}
		conn.Close()
	})

	dataCh := make(chan []byte, 10)
	closeCh := make(chan struct{}, 1)
	c := New(host, port, Handlers{
		OnData:  func(d []byte) { dataCh <- append([]byte(nil), d...) },
		OnClose: func() { closeCh <- struct{}{} },
	}, nil)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.IsConnected())

	select {
	case data := <-dataCh:
		assert.Equal(t, "Welcome\r\n", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}

	c.Disconnect()
	select {
	case <-closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("close event not emitted")
	}
	assert.False(t, c.IsConnected())
}

func TestSendKeyWritesMappedBytes(t *testing.T) {
	received := make(chan []byte, 1)
	host, port := startServer(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		received <- buf[:n]
		conn.Close()
	})

	c := New(host, port, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendKey("enter"))
	select {
	case data := <-received:
		assert.Equal(t, []byte("\r\n"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive key")
	}

	assert.Error(t, c.SendKey("not-a-key"))
}

func TestSendEscapesLiteralIAC(t *testing.T) {
	received := make(chan []byte, 1)
	host, port := startServer(t, func(conn net.Conn) {
		buf := make([]byte, 16)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		received <- buf[:n]
		conn.Close()
	})

	c := New(host, port, Handlers{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Send([]byte{0x41, 0xFF, 0x42}))
	select {
	case data := <-received:
		assert.Equal(t, []byte{0x41, 0xFF, 0xFF, 0x42}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive data")
	}
}

func TestConnectFailure(t *testing.T) {
	// Port 1 on loopback should refuse.
	c := New("127.0.0.1", 1, Handlers{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.IsConnected())
}

func TestSendWhenDisconnected(t *testing.T) {
	c := New("127.0.0.1", 1, Handlers{}, nil)
	assert.Error(t, c.Send([]byte("hello")))
}
