package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/workers"
)

const (
	// maxRenewAhead caps how long before expiry we renew proactively.
	maxRenewAhead = 15 * time.Minute

	// missingCredentialPoll is how often the renewal worker re-checks
	// when no credential is stored yet.
	missingCredentialPoll = time.Minute

	// refreshTimeout bounds a single refresh round trip.
	refreshTimeout = 30 * time.Second
)

// Refresher obtains and renews the client credential. It is safe for
// concurrent use: overlapping refreshes collapse into a single request.
type Refresher struct {
	logger     model.Logger
	api        API
	store      Store
	deviceName string
	duration   time.Duration

	sf singleflight.Group

	// mu guards keys.
	mu   sync.Mutex
	keys *KeyPair

	// timeNow allows injecting time for deterministic tests.
	timeNow func() time.Time
}

// NewRefresher creates a [Refresher]. duration is the certificate
// validity window requested from the API.
func NewRefresher(logger model.Logger, api API, store Store, deviceName string, duration time.Duration) *Refresher {
	return &Refresher{
		logger:     logger,
		api:        api,
		store:      store,
		deviceName: deviceName,
		duration:   duration,
		timeNow:    time.Now,
	}
}

// renewAhead returns how long before expiry a credential is considered
// due for renewal: a tenth of its lifetime, capped at fifteen minutes.
func renewAhead(lifetime time.Duration) time.Duration {
	ahead := lifetime / 10
	if ahead > maxRenewAhead {
		ahead = maxRenewAhead
	}
	return ahead
}

// EnsureValid returns a credential guaranteed to be valid now. When the
// stored credential is missing, expired, or close to expiry, it refreshes
// first. An expired credential is never returned.
func (r *Refresher) EnsureValid(ctx context.Context) (*model.Credential, error) {
	cred, err := r.store.LoadCredential()
	if err == nil {
		now := r.timeNow()
		if !cred.Expired(now) && cred.TTL(now) > renewAhead(cred.Lifetime()) {
			return cred, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.Refresh(ctx)
}

// Refresh forces a refresh. Concurrent callers share one in-flight
// request and its result.
func (r *Refresher) Refresh(ctx context.Context) (*model.Credential, error) {
	result, err, _ := r.sf.Do("refresh", func() (any, error) {
		// the flight may outlive the caller that started it: joiners
		// must not inherit the originator's cancellation, so the flight
		// runs under its own deadline
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.doRefresh(flightCtx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.Credential), nil
}

// doRefresh performs the actual API round trip. When the server signals
// key invalidation we regenerate the key pair and retry exactly once;
// otherwise the stored key pair is reused and only a new certificate is
// requested.
func (r *Refresher) doRefresh(ctx context.Context) (*model.Credential, error) {
	keys, err := r.ensureKeys(false)
	if err != nil {
		return nil, err
	}
	cred, err := r.api.RefreshCertificate(ctx, r.newRequest(keys))
	if errors.Is(err, ErrKeyRegenerationRequired) {
		r.logger.Info("credentials: server requested key regeneration")
		keys, err = r.ensureKeys(true)
		if err != nil {
			return nil, err
		}
		cred, err = r.api.RefreshCertificate(ctx, r.newRequest(keys))
	}
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveCredential(cred); err != nil {
		return nil, err
	}
	r.logger.Infof("credentials: refreshed, expires %s", cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

func (r *Refresher) newRequest(keys *KeyPair) *CertificateRequest {
	return &CertificateRequest{
		ClientPublicKey: keys.Public[:],
		DeviceName:      r.deviceName,
		Duration:        r.duration,
	}
}

// ensureKeys returns the client key pair, loading it from the store or
// generating a fresh one. With regenerate set, a new pair always
// replaces the stored one.
func (r *Refresher) ensureKeys(regenerate bool) (*KeyPair, error) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if !regenerate {
		if r.keys != nil {
			return r.keys, nil
		}
		stored, err := r.store.LoadKeyPair()
		if err == nil {
			r.keys = stored
			return stored, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	fresh, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveKeyPair(fresh); err != nil {
		return nil, err
	}
	r.keys = fresh
	return fresh, nil
}

// StartRenewalWorker starts the proactive renewal worker: it refreshes
// the credential ahead of expiry so an attempt never starts with stale
// authentication material.
func (r *Refresher) StartRenewalWorker(manager *workers.Manager) {
	manager.StartWorker(func() {
		r.renewalWorker(manager)
	})
}

func (r *Refresher) renewalWorker(manager *workers.Manager) {
	workerName := "credentials: renewalWorker"
	defer manager.OnWorkerDone(workerName)

	r.logger.Debugf("%s: started", workerName)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	timer := time.NewTimer(r.nextRenewalDelay())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			// the refresh flight carries its own deadline
			_, err := r.EnsureValid(context.Background())
			switch {
			case err == nil:
				bo.Reset()
				timer.Reset(r.nextRenewalDelay())
			default:
				delay := bo.NextBackOff()
				var rateLimited *RateLimitedError
				if errors.As(err, &rateLimited) && rateLimited.RetryAfter > delay {
					delay = rateLimited.RetryAfter
				}
				r.logger.Warnf("%s: refresh failed: %s (next in %s)", workerName, err.Error(), delay)
				timer.Reset(delay)
			}

		case <-manager.ShouldShutdown():
			return
		}
	}
}

// nextRenewalDelay computes how long to sleep before the next proactive
// renewal.
func (r *Refresher) nextRenewalDelay() time.Duration {
	cred, err := r.store.LoadCredential()
	if err != nil {
		return missingCredentialPoll
	}
	delay := cred.TTL(r.timeNow()) - renewAhead(cred.Lifetime())
	if delay < 0 {
		delay = 0
	}
	return delay
}
