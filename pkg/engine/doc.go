// Package engine applies ordered policy chains around protected logic.
//
// Architecture:
//
// manager.go    - PolicyManager: pointcut resolution, chain cache, invalidation
// composer.go   - cursor-driven chain traversal shared by both chain kinds
// scope.go      - per-execution variable namespaces and their transitions
// operation.go  - operation chains, run on the caller's goroutine
// source.go     - source chains, run asynchronously on a pipeline pool
// pipeline.go   - pipeline pool and selectors (round robin, transaction affinity)
// completion.go - one-shot completion of source executions
// nopolicy.go   - fast paths for components without policies
//
// A policy sees only the variables it wrote itself, plus the message as the
// enclosing scope presents it. Message edits cross chain boundaries only for
// policies that propagate message transformations.
package engine
