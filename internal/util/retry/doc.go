// Package retry provides exponential backoff retry logic for transient failures.
//
// [WithExponentialBackoff] retries an operation with configurable max attempts,
// initial delay, maximum delay and jitter. It is used at startup while the
// operator waits for the CRDs it depends on to be served.
package retry
