// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry
