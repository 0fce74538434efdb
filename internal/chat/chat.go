// Package chat is the demo hub used by the binaries and the end-to-end tests.
package chat

import (
	"context"
	"errors"
	"sync/atomic"

	"mini-hub/hub"
	"mini-hub/server"
)

// ChatMessage is pushed to clients for every chat line.
type ChatMessage struct {
	User string
	Text string
}

type Ping struct {
	ID   int
	Text string
}

// Server is the client-side view of ChatHub.
type Server struct {
	Broadcast func(ctx context.Context, user, text string) error
	Others    func(ctx context.Context, user, text string) error
	Whisper   func(ctx context.Context, connID, user, text string) error
	GetCount  func(ctx context.Context) (int, error)
	Echo      func(ctx context.Context, p Ping) (Ping, error)
	WhoAmI    func(ctx context.Context) (string, error)
}

// ChatHub relays chat lines between the clients of one server (or of every
// server sharing a backplane).
type ChatHub struct {
	clients server.HubClients
	count   atomic.Int64
}

func NewHub(clients server.HubClients) *ChatHub {
	return &ChatHub{clients: clients}
}

// Broadcast sends a chat line to everyone, the sender included.
func (h *ChatHub) Broadcast(ctx context.Context, user, text string) error {
	h.count.Add(1)
	return hub.Send(ctx, h.clients.All(), ChatMessage{User: user, Text: text})
}

// Others sends a chat line to everyone but the sender.
func (h *ChatHub) Others(ctx context.Context, user, text string) error {
	caller, ok := server.CallerFrom(ctx)
	if !ok {
		return errors.New("chat: no caller")
	}
	h.count.Add(1)
	return hub.Send(ctx, h.clients.AllExcept(caller.ID()), ChatMessage{User: user, Text: text})
}

// Whisper sends a chat line to a single connection.
func (h *ChatHub) Whisper(ctx context.Context, connID, user, text string) error {
	h.count.Add(1)
	return hub.Send(ctx, h.clients.Client(connID), ChatMessage{User: user, Text: text})
}

// GetCount returns how many chat lines were sent so far.
func (h *ChatHub) GetCount(ctx context.Context) (int, error) {
	return int(h.count.Load()), nil
}

func (h *ChatHub) Echo(ctx context.Context, p Ping) (Ping, error) {
	return p, nil
}

// WhoAmI returns the caller's connection ID.
func (h *ChatHub) WhoAmI(ctx context.Context) (string, error) {
	caller, ok := server.CallerFrom(ctx)
	if !ok {
		return "", errors.New("chat: no caller")
	}
	return caller.ID(), nil
}
