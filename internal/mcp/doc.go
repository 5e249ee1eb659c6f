// Package mcp implements the Model Context Protocol over newline-
// delimited JSON-RPC 2.0 on subprocess stdio.
//
// The package plays both protocol roles. As a client, a [Manager] owns
// a registry of [ServerConnection]s to external context provider
// processes and aggregates their tools into transcription context. As
// a server, [Server] exposes dictation tools, resources, and prompts
// to external clients (editors, assistants) over the host process's
// own stdin/stdout.
package mcp
