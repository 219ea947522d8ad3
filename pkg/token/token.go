// Package token holds the process-wide API credential. Every component
// that calls the IaaS API reads through the same *Holder; the only
// mutation is the refresh that fires when the token is older than the
// threshold.
package token

import (
	"sync"
	"time"
)

// RefreshThreshold is the age past which the next read reissues the
// token before returning it.
const RefreshThreshold = 40 * time.Minute

// Issuer requests a fresh token from the IaaS API's credential endpoint.
type Issuer interface {
	Issue() (value string, err error)
}

// Holder is the process-global credential singleton. Readers may observe
// a brief window of staleness during a concurrent refresh; the API's
// 401-with-"token is expired" response is the backstop that triggers a
// one-shot retry at the call site (see pkg/iaasapi).
type Holder struct {
	mu      sync.Mutex
	issuer  Issuer
	value   string
	issued  time.Time
}

// New constructs a Holder that has not yet issued a token; the first
// Get call performs the initial issue.
func New(issuer Issuer) *Holder {
	return &Holder{issuer: issuer}
}

// Get returns the current token value, refreshing it first if it is
// older than RefreshThreshold or has never been issued.
func (h *Holder) Get() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.value == "" || time.Since(h.issued) > RefreshThreshold {
		if err := h.refreshLocked(); err != nil {
			return "", err
		}
	}
	return h.value, nil
}

// Refresh forces a reissue regardless of age, used when the API signals
// the current token has expired.
func (h *Holder) Refresh() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.refreshLocked(); err != nil {
		return "", err
	}
	return h.value, nil
}

func (h *Holder) refreshLocked() error {
	v, err := h.issuer.Issue()
	if err != nil {
		return err
	}
	h.value = v
	h.issued = time.Now()
	return nil
}
