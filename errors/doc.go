// Package errors provides the structured failure taxonomy for the reverie
// memory engine. Every component returns typed errors so the controller can
// decide, per call, whether to degrade a context section or abort the turn.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: upstream timeouts and 5xx responses; retried with
//     exponential backoff
//   - Permanent: invalid input or missing resources; never retried, the turn
//     aborts before any external call
//   - Malformed: upstream responses that fail to parse as the expected
//     structure; retried a small fixed number of times with no backoff
//   - Internal: bugs and invariant violations, including a prompt that
//     exceeds its token ceiling
//
// # Usage
//
// Create a new error:
//
//	err := errors.NotFound("conversation " + id + " not found")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "fetching agent summary")
//
// Check retryability before handing to the retry policy:
//
//	if errors.IsRetryable(err) {
//	    // retry per policy table
//	}
//
// All errors support JSON serialization for audit logs.
package errors
