// Package client implements the storq CLI commands.
//
// Every command except worker is a thin shell over the HTTP ops API: it
// resolves the base URL through a BaseURLFunc, calls one endpoint, and
// pretty-prints the JSON response. The worker command instead opens the
// store directly and runs a worker pool in the foreground.
//
// Commands are plain cobra constructors so the main binary and tests can
// mount them wherever they want:
//
//	root.AddCommand(client.Commands(apiURL)...)
package client
