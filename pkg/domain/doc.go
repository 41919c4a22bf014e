// Package domain defines the core types and contracts of the policy interception engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of transport (no HTTP, gRPC, connectors)
// - Independent of the policy configuration format
// - Testable in isolation without mocks
//
// The engine, policy and config packages implement or consume the interfaces defined
// here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Key contracts:
//
//	Event           - immutable unit of data flowing through a chain
//	Policy          - chainable interceptor (identity, propagation flag, Process)
//	Operation, Flow - the protected logic a chain wraps
//	PolicyProvider  - source of parameterized policies for a pointcut
//	Failure         - standard failure type carrying kind, origin and event
package domain
