package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/channel"
	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/services/bridge"
	"github.com/kevin07696/payment-bridge/internal/testutil/mocks"
	"github.com/kevin07696/payment-bridge/pkg/schedule"
)

func addSession(t *testing.T, r *Registry) *Session {
	t.Helper()

	outbox := NewOutbox()
	ch, err := channel.New(nil, outbox.Window(TargetParent), "https://pos.example.com", zap.NewNop())
	require.NoError(t, err)

	machine := bridge.NewMachine(bridge.Launch{Origin: "abc"}, ch, new(mocks.MockTerminalGateway), outbox, schedule.NewManual(), zap.NewNop())
	return r.Add(context.Background(), uuid.New(), machine, outbox)
}

func TestRegistry_GetAndRemove(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	sess := addSession(t, r)

	got, err := r.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	require.NoError(t, r.Remove(sess.ID))
	assert.ErrorIs(t, sess.Context().Err(), context.Canceled)
	_, _, closed := sess.Outbox.Since(0)
	assert.True(t, closed)

	select {
	case <-sess.Machine.Done():
	default:
		t.Fatal("machine not stopped")
	}

	_, err = r.Get(sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, r.Remove(sess.ID), domain.ErrSessionNotFound)
}

func TestRegistry_Reap(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	old := addSession(t, r)
	now = now.Add(45 * time.Second)
	fresh := addSession(t, r)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, r.Reap())

	_, err := r.Get(old.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)

	assert.Equal(t, 0, r.Reap())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Shutdown(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	a := addSession(t, r)
	b := addSession(t, r)

	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, 0, r.Len())
	for _, s := range []*Session{a, b} {
		assert.Error(t, s.Context().Err())
	}
}
