// Package notify posts settlement webhooks for jobs that complete, fail, or
// are cancelled. Delivery retries with exponential backoff on its own
// schedule, independent of stage retries, and exhaustion only logs; webhook
// trouble never changes job state.
package notify
