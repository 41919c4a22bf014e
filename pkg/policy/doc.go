// Package policy holds the built-in policy kinds and the registry that builds them
// from declarative definitions.
//
// Kinds are referenced as "kind" or "kind@version"; aliases let older names keep
// resolving. Built-ins cover logging, variable and attribute overlays, throttling,
// retries, circuit breaking, rego authorization through an embedded OPA engine and a
// terminal deny. Every instance is safe for concurrent use because a resolved policy
// is shared by all executions of the chains it belongs to.
package policy
