// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/codec"
)

func frames(parts ...string) [][]byte {
	result := make([][]byte, len(parts))
	for i, part := range parts {
		result[i] = []byte(part)
	}
	return result
}

func TestRequestHelpers(t *testing.T) {
	request := &Request{
		Method:  "GET",
		Target:  "/ows?MAP=file:demo.qgs&SERVICE=WMS",
		Headers: map[string]string{"If-None-Match": `"abc"`},
	}
	if request.Path() != "/ows" {
		t.Errorf("Path = %q", request.Path())
	}
	if got := request.Query().Get("MAP"); got != "file:demo.qgs" {
		t.Errorf("MAP = %q", got)
	}
	if got := request.Header("if-none-match"); got != `"abc"` {
		t.Errorf("Header = %q", got)
	}

	encoded, err := request.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.Target != request.Target {
		t.Errorf("Target = %q", decoded.Target)
	}

	if _, err := DecodeRequest([]byte("junk")); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeRequest(junk) = %v, want ErrMalformed", err)
	}
	empty, _ := codec.Marshal(Request{})
	if _, err := DecodeRequest(empty); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeRequest(no method) = %v, want ErrMalformed", err)
	}
}

func TestReplyHeader(t *testing.T) {
	header := &ReplyHeader{Status: StatusPartial, Headers: map[string]string{"Content-Type": "image/png"}}
	encoded, err := header.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeReplyHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if !decoded.Partial() || decoded.Headers["Content-Type"] != "image/png" {
		t.Errorf("decoded = %+v", decoded)
	}

	bad, _ := codec.Marshal(ReplyHeader{Status: 42})
	if _, err := DecodeReplyHeader(bad); !errors.Is(err, ErrMalformed) {
		t.Errorf("status 42 = %v, want ErrMalformed", err)
	}
}

func TestBrokerFrames(t *testing.T) {
	request, err := ParseClientRequest(frames("client-1", "cid", "req"))
	if err != nil {
		t.Fatalf("ParseClientRequest: %v", err)
	}
	forwarded := request.ForWorker([]byte("worker-9"))
	want := []string{"worker-9", "client-1", "cid", "req"}
	for i := range want {
		if string(forwarded[i]) != want[i] {
			t.Fatalf("ForWorker = %q, want %q", forwarded, want)
		}
	}

	rejection, err := request.ErrorReply(StatusBusy)
	if err != nil {
		t.Fatalf("ErrorReply: %v", err)
	}
	// The router strips the identity frame before the client sees it.
	reply, err := ParseClientReply(rejection[1:])
	if err != nil {
		t.Fatalf("ParseClientReply: %v", err)
	}
	if !reply.Failed() || reply.Status != StatusBusy || reply.Correlation != "cid" {
		t.Errorf("reply = %+v", reply)
	}

	for _, bad := range [][][]byte{
		frames("client", "cid"),
		frames("client", "", "req"),
		frames("client", "cid", "req", "extra"),
	} {
		if _, err := ParseClientRequest(bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseClientRequest(%q) = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestParseWorkerMessage(t *testing.T) {
	for _, tag := range []string{TagReady, TagHeartbeat, TagDisconnect} {
		control, err := ParseWorkerMessage(frames("worker-1", tag))
		if err != nil || control.Control != tag || string(control.Worker) != "worker-1" {
			t.Fatalf("%s = %+v, %v", tag, control, err)
		}
	}
	if _, err := ParseWorkerMessage(frames("worker-1", "PING")); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown control = %v, want ErrMalformed", err)
	}

	reply, err := ParseWorkerMessage(frames("worker-1", "client", "cid", "data"))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Control != "" || len(reply.Forward) != 3 || string(reply.Forward[0]) != "client" {
		t.Fatalf("reply = %+v", reply)
	}

	if _, err := ParseWorkerMessage(frames("worker-1", "client")); !errors.Is(err, ErrMalformed) {
		t.Errorf("short message = %v, want ErrMalformed", err)
	}
}

func TestWorkerRequestEnvelope(t *testing.T) {
	encoded, _ := (&Request{Method: "GET", Target: "/"}).Encode()
	envelope, request, err := ParseWorkerRequest([][]byte{[]byte("client"), []byte("cid"), encoded})
	if err != nil {
		t.Fatalf("ParseWorkerRequest: %v", err)
	}
	if request.Method != "GET" {
		t.Errorf("Method = %q", request.Method)
	}
	reply := envelope.Reply([]byte("chunk"))
	if string(reply[0]) != "client" || string(reply[1]) != "cid" || string(reply[2]) != "chunk" {
		t.Errorf("Reply = %q", reply)
	}
}

func TestParseClientReply(t *testing.T) {
	data, err := ParseClientReply(frames("cid", ""))
	if err != nil {
		t.Fatalf("ParseClientReply: %v", err)
	}
	if data.Failed() || len(data.Data) != 0 {
		t.Errorf("terminator = %+v", data)
	}
	if _, err := ParseClientReply(frames("cid", "ERR", "junk")); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad status = %v, want ErrMalformed", err)
	}
	if _, err := ParseClientReply(frames("cid")); !errors.Is(err, ErrMalformed) {
		t.Errorf("one frame = %v, want ErrMalformed", err)
	}
}

func TestNotifications(t *testing.T) {
	report := &Report{PID: 12, Identity: "worker-12", Requests: 3, Uptime: time.Minute}
	encoded, err := EncodeNotification(Notification{PID: 12, Tag: NotifyReport, Report: report})
	if err != nil {
		t.Fatalf("EncodeNotification: %v", err)
	}
	decoded, err := DecodeNotification(encoded)
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if decoded.Report == nil || decoded.Report.Uptime != time.Minute {
		t.Errorf("decoded = %+v", decoded)
	}

	for name, n := range map[string]Notification{
		"unknown tag":       {PID: 1, Tag: "SLEEPY"},
		"report w/o report": {PID: 1, Tag: NotifyReport},
		"zero pid":          {Tag: NotifyBusy},
	} {
		encoded, _ := EncodeNotification(n)
		if _, err := DecodeNotification(encoded); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: %v, want ErrMalformed", name, err)
		}
	}
}

func TestCommands(t *testing.T) {
	for _, command := range []Command{CommandRestart, CommandReport} {
		decoded, err := DecodeCommand(command.Frames())
		if err != nil || decoded != command {
			t.Errorf("DecodeCommand(%s) = %s, %v", command, decoded, err)
		}
	}
	if _, err := DecodeCommand(frames("SHUTDOWN")); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown command = %v, want ErrMalformed", err)
	}
}
