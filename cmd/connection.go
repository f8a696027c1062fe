// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection provides a common interface for moving link bytes over
// serial, TCP or WebSocket channels
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// serialConn is a serial port speaking raw link bytes. serial.Port
// already satisfies Connection; the wrapper only pins down the mode.
type serialConn struct {
	serial.Port
}

func openSerial(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}

	return &serialConn{Port: port}, nil
}

func openTCP(addr string) (Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Lignite frames are small; coalescing adds latency
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// wsConn adapts a WebSocket to the byte-stream shape the link pumps
// expect. Reads unpack binary messages into a plain stream. Writes are
// held back until a frame boundary: the tx pump emits small chunks, and
// a WebSocket message per chunk both wastes bandwidth and splits frames
// across messages. Since every Lignite frame ends with the flag byte,
// flushing through the last flag keeps each message frame-aligned.
type wsConn struct {
	conn    *websocket.Conn
	rest    []byte // unread tail of the last binary message
	pending []byte // written bytes after the last flushed flag
	closed  bool
}

func (w *wsConn) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	for len(w.rest) == 0 {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		// Link bytes travel as binary messages; anything else is ignored
		if messageType == websocket.BinaryMessage {
			w.rest = data
		}
	}

	n := copy(p, w.rest)
	w.rest = w.rest[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	w.pending = append(w.pending, p...)
	cut := bytes.LastIndexByte(w.pending, lignite.FlagByte)
	if cut < 0 {
		// No complete frame yet; the closing flag arrives with a later
		// chunk of the same frame.
		return len(p), nil
	}

	if err := w.conn.WriteMessage(websocket.BinaryMessage, w.pending[:cut+1]); err != nil {
		w.closed = true
		return 0, err
	}
	w.pending = append(w.pending[:0], w.pending[cut+1:]...)
	return len(p), nil
}

func (w *wsConn) Close() error {
	w.closed = true
	return w.conn.Close()
}

func openWebSocket(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// OK
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %v", err)
	}

	return &wsConn{conn: conn}, nil
}

// promptPassword retrieves the WebSocket password from the environment,
// or interactively: without echo on a terminal, as a plain line when
// stdin is a pipe.
func promptPassword() (string, error) {
	if pw := os.Getenv("EMBERLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		passwordBytes, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		return string(passwordBytes), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %v", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenConnection opens the channel selected by the connection flags.
// Exactly one of --port, --tcp or --url must be given; the link runs the
// same way over any of them.
func OpenConnection() (Connection, string, error) {
	selected := 0
	for _, f := range []string{portName, tcpAddr, wsURL} {
		if f != "" {
			selected++
		}
	}
	if selected == 0 {
		return nil, "", fmt.Errorf("one of --port, --tcp or --url must be specified")
	}
	if selected > 1 {
		return nil, "", fmt.Errorf("--port, --tcp and --url are mutually exclusive")
	}

	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			password, err = promptPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := openWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil

	case tcpAddr != "":
		conn, err := openTCP(tcpAddr)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("TCP: %s", tcpAddr), nil

	default:
		conn, err := openSerial(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}
}
