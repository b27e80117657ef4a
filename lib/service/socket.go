// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/codec"
)

// ActionFunc handles one admin action. raw is the complete CBOR
// request map, "action" included; the handler decodes whatever extra
// fields it needs. A nil result is sent as {ok: true} without data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope written back for every request.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	// requestTimeout bounds how long a connected peer may take to
	// send its request.
	requestTimeout = 30 * time.Second

	// responseTimeout bounds writing the response.
	responseTimeout = 10 * time.Second

	// maxRequestSize bounds a request. Admin requests carry at most a
	// few fields.
	maxRequestSize = 64 * 1024
)

// SocketServer is the admin endpoint of a mapbroker server: a Unix
// socket where each connection carries one CBOR request and one CBOR
// Response. Register actions with Handle before Serve.
type SocketServer struct {
	path     string
	actions  map[string]ActionFunc
	logger   *slog.Logger
	ready    chan struct{}
	inflight sync.WaitGroup
}

// NewSocketServer returns a server for the socket at path. A nil
// logger uses slog.Default.
func NewSocketServer(path string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{
		path:    path,
		actions: make(map[string]ActionFunc),
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Handle registers fn for action. Registering an action twice panics.
func (s *SocketServer) Handle(action string, fn ActionFunc) {
	if _, taken := s.actions[action]; taken {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.actions[action] = fn
}

// Ready is closed once the socket is listening.
func (s *SocketServer) Ready() <-chan struct{} { return s.ready }

// Serve listens on the socket until ctx is cancelled. A leftover
// socket file from a previous run is replaced, and the file is removed
// again on return. Requests already being handled finish before Serve
// returns.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer func() {
		stop()
		listener.Close()
		os.Remove(s.path)
	}()

	s.logger.Info("admin socket listening", "path", s.path)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("admin accept failed", "error", err)
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
	s.inflight.Wait()
	return nil
}

func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	action, raw, err := readRequest(conn)
	if errors.Is(err, io.EOF) {
		return
	}
	if err != nil {
		s.respond(conn, Response{Error: err.Error()})
		return
	}

	fn, ok := s.actions[action]
	if !ok {
		s.respond(conn, Response{Error: fmt.Sprintf("unknown action %q", action)})
		return
	}
	result, err := fn(ctx, raw)
	if err != nil {
		s.logger.Debug("admin action failed", "action", action, "error", err)
		s.respond(conn, Response{Error: err.Error()})
		return
	}

	response := Response{OK: true}
	if result != nil {
		if data, err := codec.Marshal(result); err != nil {
			response = Response{Error: fmt.Sprintf("internal: marshaling response: %v", err)}
		} else {
			response.Data = data
		}
	}
	s.respond(conn, response)
}

// readRequest decodes one request and extracts its action name.
// A peer that closes without sending anything yields io.EOF.
func readRequest(conn net.Conn) (string, []byte, error) {
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("invalid request: %v", err)
	}
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return "", nil, fmt.Errorf("invalid request: %v", err)
	}
	if header.Action == "" {
		return "", nil, errors.New("missing required field: action")
	}
	return header.Action, raw, nil
}

// respond writes response. The connection closes right after, so a
// failed write is only logged.
func (s *SocketServer) respond(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(responseTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing admin response failed", "error", err)
	}
}
