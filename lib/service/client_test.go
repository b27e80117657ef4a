// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/testutil"
)

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	server.Handle("lookup", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Action string `cbor:"action"`
			PID    int    `cbor:"pid"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if request.Action != "lookup" {
			return nil, errors.New("action field not injected")
		}
		return map[string]int{"pid": request.PID, "requests": 12}, nil
	})
	startServer(t, server)

	var result struct {
		PID      int `cbor:"pid"`
		Requests int `cbor:"requests"`
	}
	client := NewClient(socketPath)
	if err := client.Call(context.Background(), "lookup", map[string]any{"pid": 7}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.PID != 7 || result.Requests != 12 {
		t.Errorf("result = %+v", result)
	}
}

func TestClientCallServiceError(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	startServer(t, server)

	err := NewClient(socketPath).Call(context.Background(), "missing", nil, nil)
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) {
		t.Fatalf("error = %v (%T), want *ServiceError", err, err)
	}
	if serviceError.Action != "missing" {
		t.Errorf("Action = %q", serviceError.Action)
	}
	if !IsServiceError(err) {
		t.Error("IsServiceError = false")
	}
}

func TestClientCallConnectionError(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")
	err := NewClient(socketPath).Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("Call succeeded against a missing socket")
	}
	if IsServiceError(err) {
		t.Errorf("connection failure reported as ServiceError: %v", err)
	}
}

func TestClientCallHonoursContext(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())
	release := make(chan struct{})
	defer close(release)
	server.Handle("hang", func(ctx context.Context, raw []byte) (any, error) {
		<-release
		return nil, nil
	})
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewClient(socketPath).Call(ctx, "hang", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
