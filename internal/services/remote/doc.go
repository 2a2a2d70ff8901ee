// Package remote drives the external services that perform the actual stage
// work. A Caller wraps one endpoint in either synchronous or submit-and-poll
// mode and maps every failure onto the transient/permanent taxonomy; Policy
// and Retry implement the jittered exponential backoff schedule the stage
// runner applies around those calls.
package remote
