package stability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtune/internal/logger"
)

func TestShutdownOrder(t *testing.T) {
	gsm := NewGracefulShutdownManager(ShutdownConfig{}, logger.NewNop())

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	gsm.RegisterComponent("database", PriorityStorage, record("database"), 0)
	gsm.RegisterComponent("scheduler", PriorityWorkers, record("scheduler"), 0)
	gsm.RegisterComponent("kafka", PriorityChannels, record("kafka"), 0)
	gsm.RegisterComponent("hub", PriorityChannels, record("hub"), 0)
	gsm.RegisterComponent("http_server", PriorityServer, record("http_server"), 0)

	result := gsm.Shutdown(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, []string{"http_server", "scheduler", "hub", "kafka", "database"}, order)
	assert.Len(t, result.Components, 5)

	again := gsm.Shutdown(context.Background())
	assert.False(t, again.Success)
	assert.NotEmpty(t, again.Errors)
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	gsm := NewGracefulShutdownManager(ShutdownConfig{}, logger.NewNop())

	closed := false
	gsm.RegisterComponent("broken", PriorityServer, func(context.Context) error { return errors.New("boom") }, 0)
	gsm.RegisterComponent("database", PriorityStorage, func(context.Context) error { closed = true; return nil }, 0)

	result := gsm.Shutdown(context.Background())
	assert.False(t, result.Success)
	assert.True(t, closed)
	require.Len(t, result.Components, 2)
	assert.Equal(t, ShutdownStatusFailed, result.Components[0].Status)
	assert.Equal(t, ShutdownStatusCompleted, result.Components[1].Status)
}

func TestShutdownDeadlineSkipsRemaining(t *testing.T) {
	gsm := NewGracefulShutdownManager(ShutdownConfig{
		ShutdownTimeout:  50 * time.Millisecond,
		ComponentTimeout: time.Second,
	}, logger.NewNop())

	gsm.RegisterComponent("slow", PriorityServer, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0)
	gsm.RegisterComponent("database", PriorityStorage, func(context.Context) error { return nil }, 0)

	result := gsm.Shutdown(context.Background())
	assert.False(t, result.Success)
	require.Len(t, result.Components, 2)
	assert.Equal(t, ShutdownStatusFailed, result.Components[0].Status)
	assert.Equal(t, ShutdownStatusSkipped, result.Components[1].Status)
}
