// Package main is the entry point for the WotBot service.
//
// WotBot mediates between a conversational AI backend and locally executed
// tools, one of which runs untrusted Python or JavaScript snippets in an
// isolated worker process. The serve command exposes the tools and a
// converse tool over MCP (stdio or HTTP) plus an HTTP API with health,
// metrics and a message endpoint. The chat, exec and config commands are
// local helpers.
//
// The same binary doubles as the sandbox worker: when started with the
// worker environment it runs one script and exits.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
