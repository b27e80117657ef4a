// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the small pieces every mapbroker binary and
// the pool manager share: reporting a fatal error before the logger
// exists, and reading a child's exit code from the error returned by
// Wait.
package process
