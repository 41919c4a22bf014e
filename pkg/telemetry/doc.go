// Package telemetry wires OpenTelemetry exporters and meters for the interception engine.
//
// It centralises trace provider setup, records policy hop and execution metrics through
// the global meter provider, exposes prometheus collectors for the policy instance cache,
// and redacts sensitive variables before they reach logs or span attributes.
package telemetry
