// Package tcp provides the TCP connectors for the base transport. Socket
// options (no delay, keep alive, linger, buffer sizes) come from the server
// and client configuration.
package tcp
