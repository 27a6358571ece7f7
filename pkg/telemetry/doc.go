// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// engine.
//
// It centralises trace provider setup, applies engine-specific resource
// attributes, and offers recording helpers that attach run, step, and budget
// metadata to spans and metrics so operators can correlate scheduling
// decisions with capability behaviour.
package telemetry
