// Package http implements the transport over plain HTTP.
//
// The server accepts POST /{shardId} with a serialized message as body and
// answers with the serialized response. A request stays open while its
// await is parked; closing it withdraws the await. GET /metrics serves the
// Prometheus text format of all VictoriaMetrics metrics of the process.
//
// The client selects servers round robin and only retries requests that
// could not be dialed.
package http
