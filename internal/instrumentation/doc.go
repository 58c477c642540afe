// Package instrumentation wires OpenTelemetry metrics and tracing for the
// Graph client, the upload engine and the transfer queue.
package instrumentation
