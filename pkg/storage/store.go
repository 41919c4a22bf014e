// Package storage holds the side tables the interception engine keeps between
// executions.
package storage

import "github.com/polisai/polis-intercept/pkg/domain"

// CorrelationStore retains the pointcut parameters computed for a source execution,
// keyed by correlation id, so operations called within that execution can be
// resolved against them. Entries are removed when the root execution completes.
type CorrelationStore interface {
	Put(correlationID string, params domain.PointcutParameters)
	Get(correlationID string) (domain.PointcutParameters, bool)
	Delete(correlationID string)
	Len() int
}
