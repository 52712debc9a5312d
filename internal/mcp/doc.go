// Package mcp is a minimal Model Context Protocol client. Each
// workspace runs one [Manager] that starts the configured servers in
// the background, discovers their tools, and exposes them under
// mcp__<server>/<tool> names.
//
// Servers are reached over stdio (a subprocess speaking
// newline-delimited JSON-RPC) or streamable HTTP (JSON-RPC over POST).
package mcp
