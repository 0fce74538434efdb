package backplane

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-hub/logging"
)

func collect(t *testing.T, b *Backplane) <-chan Envelope {
	t.Helper()
	got := make(chan Envelope, 8)
	require.NoError(t, b.Start(context.Background(), func(_ context.Context, env Envelope) {
		got <- env
	}))
	return got
}

func receive(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishDeliver(t *testing.T) {
	b := NewInMemory(zaptest.NewLogger(t), "", WithOrigin("node-a"))
	defer b.Close()
	assert.Equal(t, DefaultTopic, b.Topic())

	got := collect(t, b)

	env, err := NewEnvelope("ChatMessage", []any{"ann", "hello", 3}, AudienceAll)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), env))

	out := receive(t, got)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "node-a", out.Origin)
	assert.Equal(t, "ChatMessage", out.Target)

	args, err := out.Arguments()
	require.NoError(t, err)
	assert.Equal(t, []any{"ann", "hello", float64(3)}, args)
}

func TestSharedBusReachesEveryInstance(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := gochannel.NewGoChannel(gochannel.Config{}, logging.Watermill(logger))

	a := New(bus, bus, "hub", WithOrigin("a"), WithLogger(logger))
	b := New(bus, bus, "hub", WithOrigin("b"), WithLogger(logger))
	defer a.Close()
	defer b.Close()

	gotA := collect(t, a)
	gotB := collect(t, b)

	env, err := NewEnvelope("Ping", []any{1}, AudienceClient, "conn-1")
	require.NoError(t, err)
	require.NoError(t, a.Publish(context.Background(), env))

	for _, ch := range []<-chan Envelope{gotA, gotB} {
		out := receive(t, ch)
		assert.Equal(t, "a", out.Origin)
		assert.Equal(t, AudienceClient, out.Audience)
		assert.Equal(t, []string{"conn-1"}, out.ConnIDs)
	}
}

func TestEnvelopeMatches(t *testing.T) {
	all := Envelope{Audience: AudienceAll}
	assert.True(t, all.Matches("x"))

	one := Envelope{Audience: AudienceClient, ConnIDs: []string{"a"}}
	assert.True(t, one.Matches("a"))
	assert.False(t, one.Matches("b"))

	except := Envelope{Audience: AudienceAllExcept, ConnIDs: []string{"a"}}
	assert.False(t, except.Matches("a"))
	assert.True(t, except.Matches("b"))

	assert.False(t, Envelope{Audience: Audience(9)}.Matches("a"))
	assert.Equal(t, "all-except", AudienceAllExcept.String())
}

func TestClosed(t *testing.T) {
	b := NewInMemory(zaptest.NewLogger(t), "hub")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), Envelope{Target: "x"}), ErrClosed)
	assert.ErrorIs(t, b.Start(context.Background(), func(context.Context, Envelope) {}), ErrClosed)
}
