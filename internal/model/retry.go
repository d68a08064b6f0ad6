package model

// RetryContext tracks the last attempted configuration and the count of
// consecutive failures. It decides whether a failure is retried
// automatically or escalated to the user. It is owned by the state
// machine and only touched on its owner worker.
type RetryContext struct {
	// LastConfig is the most recently attempted configuration.
	LastConfig *TunnelConfig

	// LastIntent is the intent that produced LastConfig.
	LastIntent ConnectionIntent

	// Account is the account of the last attempt.
	Account string

	// Failures counts consecutive failed attempts.
	Failures int

	// RelaxedTried reports whether the relaxed transport set was
	// already tried for this attempt chain.
	RelaxedTried bool

	// StuckRetries counts how many times we force-removed a stale
	// tunnel configuration after a hanging teardown.
	StuckRetries int
}

// RecordFailure increments the consecutive failure counter.
func (r *RetryContext) RecordFailure() {
	r.Failures++
}

// Reset clears the context. Called on any successful connection and on
// explicit user disconnect.
func (r *RetryContext) Reset() {
	*r = RetryContext{}
}
