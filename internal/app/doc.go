// Package app wires application dependencies for the CLI.
//
// It builds the concrete stores, relay client, direct transport and
// high-level services from the TOML configuration, exposing them via the
// Wire struct. App layers one method per CLI action on top of it.
package app
