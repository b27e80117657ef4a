// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the mapbroker configuration file.
//
// The file is named by the --config flag or the MAPBROKER_CONFIG
// environment variable. There is no automatic discovery. YAML is the
// primary format; a file ending in .jsonc is accepted as JSON with
// comments.
//
// The file may carry development, staging, and production sections.
// The section matching the environment key is decoded over the base
// values, so it only needs the keys that differ:
//
//	environment: production
//	pool:
//	  size: 2
//	production:
//	  pool:
//	    size: 16
//
// Endpoint and path values may reference ${VAR} or ${VAR:-default}.
package config
