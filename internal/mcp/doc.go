// Package mcp exposes remediation status to MCP clients over stdio.
//
// Two read-only tools are registered: remediation_status looks up one
// signature (full or unique prefix) and remediation_list returns the ledger
// entries, optionally filtered by state or repository. Both read through a
// statusclient pointed at a running remedyd.
package mcp
