// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/contexthub/nanostat/internal/config"
	"github.com/contexthub/nanostat/pkg/capture"
)

// passwordEnv holds the WebSocket password for non-interactive use
const passwordEnv = "NANOSTAT_PASSWORD"

// Connection is the byte stream carrying the hub packet link
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned once the WebSocket peer has closed the link
var ErrConnectionClosed = errors.New("websocket connection closed")

// serialLink is a hub UART
type serialLink struct {
	serial.Port
}

// openSerial opens the hub UART at 8N1. Bytes left in the receive buffer
// by an earlier session are dropped so the first packet starts clean.
func openSerial(c config.ConnectionConfig) (Connection, error) {
	port, err := serial.Open(c.Port, &serial.Mode{
		BaudRate: c.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", c.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to flush serial port %s: %w", c.Port, err)
	}
	return serialLink{port}, nil
}

// wsLink carries the packet stream in binary WebSocket messages. Message
// boundaries mean nothing to the link; a packet may span several.
type wsLink struct {
	conn *websocket.Conn
	msg  io.Reader

	writeMu sync.Mutex
}

func (w *wsLink) Read(p []byte) (int, error) {
	for {
		if w.msg != nil {
			n, err := w.msg.Read(p)
			if errors.Is(err, io.EOF) {
				w.msg = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}

		typ, r, err := w.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, ErrConnectionClosed
			}
			return 0, err
		}
		// text messages are bridge chatter
		if typ == websocket.BinaryMessage {
			w.msg = r
		}
	}
}

func (w *wsLink) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close says goodbye to the bridge, then drops the socket
func (w *wsLink) Close() error {
	w.writeMu.Lock()
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// wsCredentials picks the Basic auth user and password. The configured
// username wins over one embedded in the URL; a password missing from the
// URL is asked for only when there is a user.
func wsCredentials(u *url.URL, username string, password func() (string, error)) (string, string, error) {
	user := username
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if user == "" {
		return "", "", nil
	}
	if u.User != nil && u.User.Username() == user {
		if pw, ok := u.User.Password(); ok {
			return user, pw, nil
		}
	}
	pw, err := password()
	if err != nil {
		return "", "", err
	}
	return user, pw, nil
}

// dialWebSocket connects to a WebSocket bridge in front of the hub UART
func dialWebSocket(ctx context.Context, c config.ConnectionConfig) (Connection, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	user, password, err := wsCredentials(u, c.Username, readPassword)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+password)))
	}
	u.User = nil

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: c.NoSSLVerify}
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return &wsLink{conn: conn}, nil
}

// readPassword takes the password from the environment, the terminal, or
// a line on stdin, in that order
func readPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// capturedConnection records a connection's traffic and closes the
// capture file with it
type capturedConnection struct {
	*capture.Tap
	file *os.File
}

func (c *capturedConnection) Close() error {
	return errors.Join(c.Tap.Close(), c.file.Close())
}

// OpenConnection opens the packet link to the hub, either serial or
// WebSocket, and records it when a capture path is configured
func OpenConnection(ctx context.Context) (Connection, string, error) {
	conn, info, err := openLink(ctx, cfg.Connection)
	if err != nil {
		return nil, "", err
	}
	if cfg.Capture.Path == "" {
		return conn, info, nil
	}

	f, err := os.Create(cfg.Capture.Path)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to create capture file: %w", err)
	}
	w := capture.NewWriter(f, capture.WithLogger(logger))
	return &capturedConnection{Tap: capture.NewTap(conn, w), file: f},
		fmt.Sprintf("%s (capturing to %s)", info, cfg.Capture.Path), nil
}

func openLink(ctx context.Context, c config.ConnectionConfig) (Connection, string, error) {
	switch {
	case c.URL != "":
		conn, err := dialWebSocket(ctx, c)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", c.URL), nil
	case c.Port != "":
		conn, err := openSerial(c)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", c.Port, c.Baud), nil
	case c.Device != "":
		return nil, "", fmt.Errorf("%s is a hub device file; this command needs a packet link (--port or --url)", c.Device)
	}
	return nil, "", errors.New("either --port or --url must be specified")
}
