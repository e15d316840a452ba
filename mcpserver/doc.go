// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the enabled tools of the router (run_code
// among them) as MCP tools, plus a converse tool that sends a message to the
// assistant through the dispatcher. It uses the mark3labs/mcp-go library to
// handle the protocol details.
//
// The server supports both stdio and streamable HTTP transports as
// configured by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, router, dispatcher)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
