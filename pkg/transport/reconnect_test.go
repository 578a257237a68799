package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

func TestReconnectDelaysDouble(t *testing.T) {
	cfg := ReconnectConfig{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, cfg.Delays(5))

	capped := ReconnectConfig{BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}, capped.Delays(4))
}

func TestReconnectorExhaustsAfterMaxAttempts(t *testing.T) {
	sleeper := &RecordingSleeper{}
	var dials atomic.Int32
	var exhaustedErr error
	exhaustedCalls := 0
	var attempts []int
	var mu sync.Mutex

	r := NewReconnector(KindBroker, DefaultReconnectConfig(),
		func(ctx context.Context) error {
			dials.Add(1)
			return errors.New("broker unreachable")
		},
		sleeper.Sleep, logging.Nop(),
		func(n int) {
			mu.Lock()
			attempts = append(attempts, n)
			mu.Unlock()
		},
		func(err error) {
			exhaustedCalls++
			exhaustedErr = err
		},
	)

	require.True(t, r.Trigger())
	r.Wait()

	assert.EqualValues(t, 5, dials.Load(), "no sixth attempt")
	assert.True(t, r.Exhausted())
	assert.False(t, r.Running())
	assert.Equal(t, 5, r.ReconnectAttempts())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeper.Delays())

	require.Equal(t, 1, exhaustedCalls)
	assert.True(t, commerrors.IsCode(exhaustedErr, commerrors.CodeMaxReconnectExceeded))

	assert.False(t, r.Trigger(), "exhausted reconnector stays idle")
	r.Wait()
	assert.EqualValues(t, 5, dials.Load())

	r.Reset()
	assert.False(t, r.Exhausted())
	assert.Equal(t, 0, r.ReconnectAttempts())
}

func TestReconnectorStopsOnSuccess(t *testing.T) {
	sleeper := &RecordingSleeper{}
	var dials atomic.Int32
	r := NewReconnector(KindSocket, DefaultReconnectConfig(),
		func(ctx context.Context) error {
			if dials.Add(1) < 3 {
				return errors.New("refused")
			}
			return nil
		},
		sleeper.Sleep, nil, nil, nil,
	)

	require.True(t, r.Trigger())
	r.Wait()

	assert.EqualValues(t, 3, dials.Load())
	assert.False(t, r.Exhausted())
	assert.Equal(t, 0, r.ReconnectAttempts())
}

func TestReconnectorCoalescesTriggers(t *testing.T) {
	release := make(chan struct{})
	var dials atomic.Int32
	r := NewReconnector(KindSocket, DefaultReconnectConfig(),
		func(ctx context.Context) error {
			dials.Add(1)
			<-release
			return nil
		},
		(&RecordingSleeper{}).Sleep, nil, nil, nil,
	)

	require.True(t, r.Trigger())
	for i := 0; i < 10; i++ {
		assert.False(t, r.Trigger())
	}
	assert.True(t, r.Running())
	close(release)
	r.Wait()

	assert.EqualValues(t, 1, dials.Load())
}

func TestReconnectorStopInterruptsBackoff(t *testing.T) {
	cfg := ReconnectConfig{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}
	var dials atomic.Int32
	r := NewReconnector(KindBroker, cfg,
		func(ctx context.Context) error {
			dials.Add(1)
			return nil
		},
		nil, nil, nil, nil,
	)

	require.True(t, r.Trigger())
	RunWithTimeout(t, time.Second, r.Stop)

	assert.EqualValues(t, 0, dials.Load())
	assert.False(t, r.Running())
	assert.False(t, r.Exhausted())
	assert.True(t, r.Trigger(), "a stopped reconnector can start again")
	r.Stop()
}
