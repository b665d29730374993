// Package telnet opens the byte stream to a board and handles just enough
// option negotiation to get an interactive ANSI screen: terminal type, window
// size, suppress-go-ahead, and server echo. Everything else is refused.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"bbsfleet/internal/logging"
)

// inactivityTimeout force-closes a connection with no traffic in either
// direction.
const inactivityTimeout = 30 * time.Second

// Handlers receive connection events. They are invoked from the read
// goroutine and must not block.
type Handlers struct {
	OnData  func(data []byte)
	OnClose func()
	OnError func(err error)
}

// Conn is one stream connection to a board.
type Conn struct {
	host     string
	port     int
	handlers Handlers
	logger   logging.Logger

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	lastActivity time.Time
	closeOnce    sync.Once

	neg negotiator
}

// New prepares a connection to host:port. Handlers must be set before
// Connect.
func New(host string, port int, handlers Handlers, logger logging.Logger) *Conn {
	return &Conn{
		host:     host,
		port:     port,
		handlers: handlers,
		logger:   logging.OrNop(logger),
	}
}

// Connect dials the board and starts the read loop.
func (c *Conn) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	dialer := net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.logger.Info("connected to %s", addr)
	go c.readLoop(conn)
	return nil
}

func (c *Conn) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		// The deadline doubles as the inactivity watchdog: sends also
		// refresh lastActivity, so a quiet-but-alive session survives.
		c.mu.Lock()
		deadline := c.lastActivity.Add(inactivityTimeout)
		c.mu.Unlock()
		_ = conn.SetReadDeadline(deadline)

		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.lastActivity = time.Now()
			data, replies := c.neg.feed(buf[:n])
			c.mu.Unlock()

			if len(replies) > 0 {
				if _, werr := conn.Write(replies); werr != nil {
					c.fail(fmt.Errorf("write negotiation: %w", werr))
					return
				}
			}
			if len(data) > 0 && c.handlers.OnData != nil {
				c.handlers.OnData(data)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.mu.Lock()
				idle := time.Since(c.lastActivity)
				c.mu.Unlock()
				if idle < inactivityTimeout {
					continue // activity happened via Send; keep reading
				}
				c.logger.Warn("%s idle for %v, forcing close", c.host, idle.Round(time.Second))
				c.close(nil)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.close(nil)
			} else {
				c.close(err)
			}
			return
		}
	}
}

// Send writes raw bytes to the board, escaping any literal IAC bytes.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	if connected {
		c.lastActivity = time.Now()
	}
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("send: not connected")
	}

	escaped := make([]byte, 0, len(data))
	for _, b := range data {
		if b == cmdIAC {
			escaped = append(escaped, cmdIAC, cmdIAC)
			continue
		}
		escaped = append(escaped, b)
	}
	if _, err := conn.Write(escaped); err != nil {
		c.fail(fmt.Errorf("send: %w", err))
		return err
	}
	return nil
}

// keyBytes maps named keys to their wire bytes. Single-character names send
// the character itself.
func keyBytes(name string) ([]byte, bool) {
	switch name {
	case "enter":
		return []byte("\r\n"), true
	case "esc":
		return []byte{0x1B}, true
	case "space":
		return []byte{0x20}, true
	case "backspace":
		return []byte{0x08}, true
	case "tab":
		return []byte{0x09}, true
	}
	runes := []rune(name)
	if len(runes) == 1 {
		return []byte(string(runes)), true
	}
	return nil, false
}

// SendKey sends a named key.
func (c *Conn) SendKey(name string) error {
	bytes, ok := keyBytes(name)
	if !ok {
		return fmt.Errorf("send key: unknown key %q", name)
	}
	return c.Send(bytes)
}

// IsConnected reports whether the stream is live.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the stream. Safe to call multiple times.
func (c *Conn) Disconnect() {
	c.close(nil)
}

func (c *Conn) fail(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
	c.close(nil)
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if err != nil && c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
		c.logger.Debug("disconnected from %s", c.host)
	})
}
