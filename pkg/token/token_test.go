package token

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeIssuer) Issue() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return "token-v", nil
}

func TestHolderIssuesOnFirstGet(t *testing.T) {
	issuer := &fakeIssuer{}
	h := New(issuer)

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "token-v", v)
	assert.Equal(t, 1, issuer.calls)
}

func TestHolderDoesNotRefreshWithinThreshold(t *testing.T) {
	issuer := &fakeIssuer{}
	h := New(issuer)

	_, err := h.Get()
	require.NoError(t, err)
	_, err = h.Get()
	require.NoError(t, err)

	assert.Equal(t, 1, issuer.calls)
}

func TestHolderRefreshesPastThreshold(t *testing.T) {
	issuer := &fakeIssuer{}
	h := New(issuer)
	_, err := h.Get()
	require.NoError(t, err)

	h.issued = time.Now().Add(-RefreshThreshold - time.Second)

	_, err = h.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.calls)
}

func TestHolderRefreshForcesReissue(t *testing.T) {
	issuer := &fakeIssuer{}
	h := New(issuer)
	_, err := h.Get()
	require.NoError(t, err)

	_, err = h.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.calls)
}

func TestHolderPropagatesIssuerError(t *testing.T) {
	issuer := &fakeIssuer{err: errors.New("boom")}
	h := New(issuer)

	_, err := h.Get()
	assert.Error(t, err)
}

func TestHolderConcurrentReadsAreSafe(t *testing.T) {
	issuer := &fakeIssuer{}
	h := New(issuer)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Get()
		}()
	}
	wg.Wait()
}
