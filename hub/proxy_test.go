package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyForwardsFireAndForget(t *testing.T) {
	inv := &recordingInvoker{}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	require.NoError(t, srv.Notify("hello"))

	require.Len(t, inv.fire, 1)
	assert.Equal(t, "Notify", inv.fire[0].target)
	assert.Equal(t, []any{"hello"}, inv.fire[0].args)
	assert.Empty(t, inv.results)
}

func TestProxyForwardsValueReturning(t *testing.T) {
	inv := &recordingInvoker{result: 42}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	n, err := srv.GetCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	require.Len(t, inv.results, 1)
	assert.Equal(t, "GetCount", inv.results[0].target)
	assert.Empty(t, inv.results[0].args)
	assert.Equal(t, "int", inv.results[0].resultType.String())
}

func TestProxyKeepsArgumentOrder(t *testing.T) {
	inv := &recordingInvoker{}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	users := []string{"b", "a"}
	require.NoError(t, srv.Join(context.Background(), "lobby", users))

	require.Len(t, inv.fire, 1)
	assert.Equal(t, "JoinRoom", inv.fire[0].target)
	assert.Equal(t, []any{"lobby", []string{"b", "a"}}, inv.fire[0].args)
}

func TestProxyOneInvocationPerCall(t *testing.T) {
	inv := &recordingInvoker{}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, srv.Notify("same"))
	}
	assert.Len(t, inv.fire, 3)
}

func TestProxyPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	inv := &recordingInvoker{err: boom, result: 1}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Notify("x"), boom)

	n, err := srv.GetCount(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestProxyResultTypeMismatch(t *testing.T) {
	inv := &recordingInvoker{result: "not an int"}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	_, err = srv.GetCount(context.Background())
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestProxyNilResultIsZero(t *testing.T) {
	srv, err := NewProxy[ChatServer](&recordingInvoker{})
	require.NoError(t, err)

	p, err := srv.Echo(context.Background(), Ping{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, Ping{}, p)
}

func TestProxyNilContext(t *testing.T) {
	inv := &recordingInvoker{result: 1}
	srv, err := NewProxy[ChatServer](inv)
	require.NoError(t, err)

	//nolint:staticcheck // a nil context must not reach the invoker
	_, err = srv.GetCount(nil)
	require.NoError(t, err)
}

type badContract struct {
	Good func() error
	Bad  func() int
}

func TestBindRejectsInvalidContract(t *testing.T) {
	var c badContract
	for range 2 {
		err := Bind(&c, &recordingInvoker{})
		assert.ErrorIs(t, err, ErrContractViolation)
	}
	assert.Nil(t, c.Good, "a failed bind leaves the target untouched")

	_, err := NewProxy[badContract](&recordingInvoker{})
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestBindRejectsBadTargets(t *testing.T) {
	assert.ErrorIs(t, Bind(ChatServer{}, &recordingInvoker{}), ErrContractViolation)
	assert.ErrorIs(t, Bind((*ChatServer)(nil), &recordingInvoker{}), ErrContractViolation)
	assert.ErrorIs(t, Bind(&ChatServer{}, nil), ErrNilInvoker)
}

func TestProxyOverTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.results["Echo"] = []any{float64(7), "pong"}
	ft.results["GetCount"] = float64(3)

	srv, err := NewProxy[ChatServer](NewInvoker(ft))
	require.NoError(t, err)

	p, err := srv.Echo(context.Background(), Ping{ID: 7, Text: "ping"})
	require.NoError(t, err)
	assert.Equal(t, Ping{ID: 7, Text: "pong"}, p)
	assert.Equal(t, positionalType, ft.lastInvoked().resultType)
	assert.Equal(t, []any{Ping{ID: 7, Text: "ping"}}, ft.lastInvoked().args)

	n, err := srv.GetCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
