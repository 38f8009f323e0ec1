package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, StateReceivedRequest.CanTransition(StateCheckingCache))
	assert.True(t, StateCacheHit.CanTransition(StateCacheMiss))
	assert.True(t, StateExchangingLicense.CanTransition(StateResponding))
	assert.False(t, StateCacheMiss.CanTransition(StateExchangingLicense))
	assert.False(t, StateCheckingCache.CanTransition(StateResponding))

	for s := StateReceivedRequest; s < StateDone; s++ {
		assert.True(t, s.CanTransition(StateError), s.String())
	}
	for _, terminal := range []State{StateDone, StateError} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransition(StateError))
		assert.False(t, terminal.CanTransition(StateReceivedRequest))
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "FetchingCertificate", StateFetchingCertificate.String())
	assert.Equal(t, "Unknown", State(99).String())
}

func TestKeyErrorMatching(t *testing.T) {
	err := NewKeyError(LicenseExchangeFailed, "status 500", nil)
	assert.ErrorIs(t, err, ErrLicenseExchangeFailed)
	assert.NotErrorIs(t, err, ErrCancelled)

	kind, ok := ParseErrorKind("NoDataRequestPresent")
	assert.True(t, ok)
	assert.Equal(t, NoDataRequestPresent, kind)
	_, ok = ParseErrorKind("Bogus")
	assert.False(t, ok)
}
