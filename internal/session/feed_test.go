package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

type lostRecorder struct {
	mu    sync.Mutex
	calls []error
}

func (r *lostRecorder) record(err error) {
	r.mu.Lock()
	r.calls = append(r.calls, err)
	r.mu.Unlock()
}

func (r *lostRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testFeedSim() domain.Simulator {
	return domain.Simulator{
		SimulatorID: "sim-1",
		SessionID:   "sess-1",
		UserID:      "user-1",
		Endpoint:    "localhost:50061",
		Status:      domain.SimulatorRunning,
	}
}

func TestFeedPumpsFramesAndHeartbeats(t *testing.T) {
	client := newFakeSimClient()
	frames := make(chan *simrpc.ExchangeDataUpdate, 4)
	lost := &lostRecorder{}

	f := newFeed(testFeedSim(), client, 10*time.Millisecond,
		func(u *simrpc.ExchangeDataUpdate) { frames <- u },
		lost.record,
		zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, f.start([]string{"AAPL"}))
	defer f.stop()

	client.updates <- &simrpc.ExchangeDataUpdate{UpdateID: 1}
	client.updates <- &simrpc.ExchangeDataUpdate{UpdateID: 2}

	for want := int64(1); want <= 2; want++ {
		select {
		case u := <-frames:
			assert.Equal(t, want, u.UpdateID)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", want)
		}
	}

	// The TTL relay keeps beating on its ticker
	require.Eventually(t, func() bool {
		return client.heartbeatCount() >= 3
	}, 2*time.Second, 5*time.Millisecond, "heartbeats never reached the simulator")

	assert.Equal(t, 0, lost.count())
}

func TestFeedReportsStreamLoss(t *testing.T) {
	client := newFakeSimClient()
	lost := &lostRecorder{}

	f := newFeed(testFeedSim(), client, time.Second,
		func(*simrpc.ExchangeDataUpdate) {},
		lost.record,
		zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, f.start([]string{"AAPL"}))

	streamErr := errors.New("transport is closing")
	client.breakStream(streamErr)

	require.Eventually(t, func() bool {
		return lost.count() == 1
	}, 2*time.Second, 5*time.Millisecond, "stream loss never surfaced")

	lost.mu.Lock()
	assert.Equal(t, streamErr, lost.calls[0])
	lost.mu.Unlock()

	f.stop()
}

func TestFeedStopIsSilent(t *testing.T) {
	client := newFakeSimClient()
	lost := &lostRecorder{}

	f := newFeed(testFeedSim(), client, time.Second,
		func(*simrpc.ExchangeDataUpdate) {},
		lost.record,
		zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, f.start([]string{"AAPL"}))

	f.stop()
	f.stop()

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed never wound down")
	}

	assert.Equal(t, 0, lost.count())

	client.mu.Lock()
	closes := client.closes
	client.mu.Unlock()
	assert.Equal(t, 1, closes)
}
