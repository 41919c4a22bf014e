// Package governance provides the runtime safety primitives behind the built-in
// throttle, until-successful and circuit-breaker policies: keyed token buckets,
// exponential backoff retries and a consecutive-failure circuit breaker.
//
// The primitives know nothing about events or chains. Policies translate their
// verdicts into domain failures.
package governance
