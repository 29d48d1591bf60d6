package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/partnerbatch/pkg/logging"
)

func TestShutdownRunsStepsInReverse(t *testing.T) {
	m := New(time.Second, logging.NewLogger(logging.ERROR, false))
	var order []string

	m.Register("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("dispatcher", func(ctx context.Context) error {
		order = append(order, "dispatcher")
		return errors.New("stuck")
	})
	m.Register("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher")
	assert.Equal(t, []string{"http", "dispatcher", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestWaitWithContextOnTrigger(t *testing.T) {
	m := New(time.Second, logging.NewLogger(logging.ERROR, false))
	ran := false
	m.Register("step", func(ctx context.Context) error {
		ran = true
		return nil
	})

	go m.Trigger()
	require.NoError(t, m.WaitWithContext(context.Background()))
	assert.True(t, ran)
}

func TestStopLoopTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := StopLoop(func() { <-block })(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
