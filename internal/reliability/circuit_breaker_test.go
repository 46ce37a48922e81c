package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradesim/tradesim/internal/errs"
	testingpkg "github.com/tradesim/tradesim/internal/testing"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *testingpkg.FakeClock) {
	t.Helper()

	clock := testingpkg.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	log := zerolog.New(nil).Level(zerolog.Disabled)
	cb := NewDefaultCircuitBreaker("auth", log)
	cb.SetNowFunc(clock.Now)
	return cb, clock
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := cb.Do(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Do(func() error { return nil }))
}

func TestCircuitBreaker_OpensOnThirdConsecutiveFailure(t *testing.T) {
	cb, _ := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return boom })
	}
	require.Equal(t, CircuitOpen, cb.State())

	calls := 0
	err := cb.Do(func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	assert.Zero(t, calls, "open breaker must not invoke the call")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t)
	boom := errors.New("boom")

	_ = cb.Do(func() error { return boom })
	_ = cb.Do(func() error { return boom })
	require.NoError(t, cb.Do(func() error { return nil }))
	_ = cb.Do(func() error { return boom })
	_ = cb.Do(func() error { return boom })

	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Do(func() error { return boom })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return boom })
	}

	clock.Advance(29 * time.Second)
	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	clock.Advance(1 * time.Second)
	require.NoError(t, cb.Allow(), "first caller after the reset timeout is the probe")

	err = cb.Allow()
	require.Error(t, err, "second caller is refused while the probe is in flight")
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Do(func() error { return nil }))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return boom })
	}

	clock.Advance(30 * time.Second)
	err := cb.Do(func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, CircuitOpen, cb.State())

	// The re-opened breaker gets a fresh reset timeout.
	clock.Advance(29 * time.Second)
	err = cb.Do(func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	clock.Advance(1 * time.Second)
	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}
