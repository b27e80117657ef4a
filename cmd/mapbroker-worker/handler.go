// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bureau-foundation/mapbroker/lib/resource"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/worker"
)

// defaultScheme is assumed for MAP values without one.
const defaultScheme = "file"

// chunkSize is the largest body sent as a full reply. Larger
// documents stream as a partial reply in chunks of this size.
const chunkSize = 256 * 1024

// documentHandler serves the project document named by the MAP query
// parameter from the worker's resource cache.
type documentHandler struct {
	cache *resource.Cache
}

var (
	_ worker.Handler       = (*documentHandler)(nil)
	_ worker.CacheReporter = (*documentHandler)(nil)
)

func (h *documentHandler) CachedResources() int { return h.cache.Len() }

func (h *documentHandler) ServeRequest(ctx context.Context, request *wire.Request, w *worker.ResponseWriter) error {
	if request.Method != http.MethodGet && request.Method != http.MethodHead {
		w.Header()["Allow"] = "GET, HEAD"
		return plain(w, http.StatusMethodNotAllowed, "method not allowed")
	}

	key := request.Query().Get("MAP")
	if key == "" {
		return plain(w, http.StatusBadRequest, "missing MAP parameter")
	}
	if !strings.Contains(key, ":") {
		key = defaultScheme + ":" + key
	}

	document, updated, err := h.cache.Lookup(key)
	if errors.Is(err, resource.ErrNotFound) {
		return plain(w, http.StatusNotFound, fmt.Sprintf("no such project %q", request.Query().Get("MAP")))
	}
	if err != nil {
		return err
	}

	headers := w.Header()
	headers["Content-Type"] = document.ContentType
	headers["ETag"] = document.ETag
	headers["Last-Modified"] = document.ModTime.UTC().Format(http.TimeFormat)
	if updated {
		headers["X-Cache"] = "miss"
	} else {
		headers["X-Cache"] = "hit"
	}

	if request.Header("If-None-Match") == document.ETag {
		w.WriteHeader(http.StatusNotModified)
		return w.Flush(nil, false)
	}

	headers["Content-Length"] = strconv.Itoa(len(document.Data))
	if request.Method == http.MethodHead {
		return w.Flush(nil, false)
	}
	if len(document.Data) <= chunkSize {
		return w.Flush(document.Data, false)
	}
	for offset := 0; offset < len(document.Data); offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+chunkSize, len(document.Data))
		if err := w.Flush(document.Data[offset:end], end < len(document.Data)); err != nil {
			return err
		}
	}
	return nil
}

func plain(w *worker.ResponseWriter, status int, message string) error {
	w.Header()["Content-Type"] = "text/plain; charset=utf-8"
	w.WriteHeader(status)
	return w.Flush([]byte(message+"\n"), false)
}
