// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/mapbroker/lib/brokerclient"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/wire"
)

// maxBodySize bounds request bodies read into a broker request.
const maxBodySize = 32 << 20

// Fetcher issues broker requests. *brokerclient.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, request wire.Request, timeout time.Duration) (*brokerclient.Response, error)
	FetchMore(ctx context.Context, response *brokerclient.Response, timeout time.Duration) iter.Seq2[[]byte, error]
}

// Config describes the handler.
type Config struct {
	Client Fetcher

	// Timeout bounds the wait for the reply header and for each
	// chunk of a partial reply.
	Timeout time.Duration

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	Logger  *slog.Logger
	Metrics *metrics.Gateway
}

// NewHandler returns the gateway's HTTP handler.
func NewHandler(config Config) (http.Handler, error) {
	if config.Client == nil {
		return nil, errors.New("gateway: client is required")
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("gateway: timeout must be positive, got %v", config.Timeout)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	proxy := &proxyHandler{
		client:  config.Client,
		timeout: config.Timeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	if config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", proxy)
	return mux, nil
}

// StatusForError maps a brokerclient error to an HTTP status.
func StatusForError(err error) int {
	if status, ok := brokerclient.ProxyStatus(err); ok {
		return status
	}
	switch {
	case brokerclient.IsTimeout(err):
		return http.StatusGatewayTimeout
	case brokerclient.IsGatewayError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type proxyHandler struct {
	client  Fetcher
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Gateway
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	// An interrupted stream panics out of serve after sending 200.
	status := http.StatusOK
	defer func() { h.metrics.Served(status, time.Since(started)) }()
	status = h.serve(w, r)
}

// serve proxies one request and returns the status written.
func (h *proxyHandler) serve(w http.ResponseWriter, r *http.Request) int {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return http.StatusRequestEntityTooLarge
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if hopHeaders[name] || len(values) == 0 {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	request := wire.Request{
		Method:  r.Method,
		Target:  r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}

	response, err := h.client.Fetch(r.Context(), request, h.timeout)
	if err != nil {
		if r.Context().Err() != nil {
			// The HTTP client went away; nobody reads the status.
			return statusClientClosed
		}
		status := StatusForError(err)
		h.logger.Warn("request failed", "method", r.Method, "target", request.Target, "status", status, "error", err)
		http.Error(w, statusText(status), status)
		return status
	}

	for name, value := range response.Headers {
		if !hopHeaders[http.CanonicalHeaderKey(name)] {
			w.Header().Set(name, value)
		}
	}
	if !response.Partial() {
		w.WriteHeader(response.Status)
		if _, err := w.Write(response.Body); err != nil {
			h.logger.Debug("client gone during reply",
				"correlation_id", response.CorrelationID(), "error", err)
		}
		return response.Status
	}
	return h.stream(w, r, response)
}

// stream writes a partial reply as a chunked HTTP 200 response.
func (h *proxyHandler) stream(w http.ResponseWriter, r *http.Request, response *brokerclient.Response) int {
	w.Header().Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	chunks := 0
	for chunk, err := range h.client.FetchMore(r.Context(), response, h.timeout) {
		if err != nil {
			// The status is already sent; cutting the connection
			// short is the only signal left.
			h.logger.Warn("partial reply interrupted",
				"correlation_id", response.CorrelationID(), "chunks", chunks, "error", err)
			panic(http.ErrAbortHandler)
		}
		if _, err := w.Write(chunk); err != nil {
			h.logger.Debug("client gone during partial reply",
				"correlation_id", response.CorrelationID(), "error", err)
			return http.StatusOK
		}
		if flusher != nil {
			flusher.Flush()
		}
		chunks++
	}
	return http.StatusOK
}

// statusClientClosed is recorded when the HTTP client disconnected
// before a reply.
const statusClientClosed = 499

func statusText(status int) string {
	if status == wire.StatusBusy {
		return "server busy, try again later"
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
