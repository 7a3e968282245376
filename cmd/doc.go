// Package cmd implements the command-line interface for the dGrid distributed
// lock and condition manager. It provides a hierarchical command structure with
// operations for running the server and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - lock: Commands for lock and condition operations (acquire, unlock, await, signal, ...)
//     and a benchmark against a running server (perf)
//   - serve: Commands for starting and configuring the dGrid server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable DGRID_<FLAG> (dashes become
// underscores), in a .env / .env.local file or in a config file given with --config.
//
// See dgrid --help for a list of all commands.
package cmd
