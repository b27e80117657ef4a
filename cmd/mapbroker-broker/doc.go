// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mapbroker-broker runs the broker on its own, for deployments where
// several mapbroker front-ends share one worker pool or the broker
// should outlive front-end restarts. Set broker.embedded to false in
// the front-end configuration when using it.
//
// Only the broker section of the configuration is used. With
// --metrics-listen, broker queue and dispatch metrics are served at
// every path of that address.
package main
