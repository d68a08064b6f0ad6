// Package credentials obtains and renews the short-lived client
// credential used to authenticate to the chosen server. Refreshes are
// single-flight: concurrent callers await the same in-progress request.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helixvpn/connect/internal/model"
)

// Typed refresh failures surfaced to the connection state machine.
var (
	// ErrKeyRegenerationRequired means the server invalidated the
	// client key pair; the refresher regenerates keys and retries once.
	ErrKeyRegenerationRequired = errors.New("credentials: key regeneration required")

	// ErrAuthenticationExpired means the session authentication is no
	// longer valid and the user must log in again.
	ErrAuthenticationExpired = errors.New("credentials: authentication expired")

	// ErrNetworkUnavailable means the refresh endpoint is unreachable.
	ErrNetworkUnavailable = errors.New("credentials: network unavailable")

	// ErrMaxSessionsReached means the account has too many concurrent
	// sessions. Never retried: retrying would not change the outcome.
	ErrMaxSessionsReached = errors.New("credentials: maximum sessions reached")

	// ErrDelinquentAccount means the account is delinquent. Never
	// retried.
	ErrDelinquentAccount = errors.New("credentials: account is delinquent")
)

// RateLimitedError means the endpoint rate limited us: the next refresh
// must not be attempted before RetryAfter has elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("credentials: rate limited (retry after %s)", e.RetryAfter)
}

// IsAccountError returns whether the error reveals an account-level
// issue that automatic retries cannot fix.
func IsAccountError(err error) bool {
	return errors.Is(err, ErrMaxSessionsReached) || errors.Is(err, ErrDelinquentAccount)
}

// CertificateRequest asks the API for a new signed client certificate.
type CertificateRequest struct {
	// ClientPublicKey is the public key the certificate signs.
	ClientPublicKey []byte

	// DeviceName identifies the requesting device.
	DeviceName string

	// Duration is the requested validity window.
	Duration time.Duration

	// Features is the feature set the session wants enabled.
	Features model.Feature
}

// API is the remote endpoint issuing client certificates.
type API interface {
	// RefreshCertificate requests a new certificate for the given
	// public key. Errors follow the taxonomy defined in this package.
	RefreshCertificate(ctx context.Context, req *CertificateRequest) (*model.Credential, error)
}
