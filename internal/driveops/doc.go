// Package driveops provides the transfer layer on top of the graph client:
// the chunked upload engine, the bounded transfer queue, the folder
// orchestrator and the Drive facade that wires them to a token provider,
// an I/O worker pool and an optional upload session store.
//
// Data flows Drive.CopyFolder -> Queue -> Upload -> graph.Client ->
// graph.TokenProvider. Nothing here retries; a failed file is reported to
// the caller, and SessionStore lets a later run resume it.
package driveops
