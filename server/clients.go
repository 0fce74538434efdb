package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mini-hub/backplane"
	"mini-hub/hub"
)

var ErrUnknownConnection = errors.New("server: unknown connection")

// HubClients selects the connections a push goes to.
//
//	hub.Send(ctx, svr.Clients().All(), ChatMessage{User: "ann", Text: "hi"})
type HubClients struct {
	svr *Server
}

// Clients returns the push selectors of the server.
func (svr *Server) Clients() HubClients {
	return HubClients{svr: svr}
}

// All targets every connected client.
func (h HubClients) All() hub.Sender {
	return audience{svr: h.svr, kind: backplane.AudienceAll}
}

// Client targets the connection with id.
func (h HubClients) Client(id string) hub.Sender {
	return audience{svr: h.svr, kind: backplane.AudienceClient, ids: []string{id}}
}

// AllExcept targets every connected client but the ones listed.
func (h HubClients) AllExcept(ids ...string) hub.Sender {
	return audience{svr: h.svr, kind: backplane.AudienceAllExcept, ids: ids}
}

type audience struct {
	svr  *Server
	kind backplane.Audience
	ids  []string
}

// Send publishes to the backplane when one is configured and writes to the
// local connections otherwise.
func (a audience) Send(ctx context.Context, target string, args []any) error {
	if a.svr.backplane != nil {
		env, err := backplane.NewEnvelope(target, args, a.kind, a.ids...)
		if err != nil {
			return err
		}
		return a.svr.backplane.Publish(ctx, env)
	}

	n, err := a.svr.deliver(ctx, target, args, backplane.Envelope{Audience: a.kind, ConnIDs: a.ids})
	if err == nil && n == 0 && a.kind == backplane.AudienceClient {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, a.ids[0])
	}
	return err
}

// deliver writes target to every local connection the envelope matches and
// returns how many writes succeeded. Failed writes are joined into the error.
func (svr *Server) deliver(ctx context.Context, target string, args []any, match backplane.Envelope) (int, error) {
	svr.mu.RLock()
	conns := make([]*Connection, 0, len(svr.conns))
	for id, c := range svr.conns {
		if match.Matches(id) {
			conns = append(conns, c)
		}
	}
	svr.mu.RUnlock()

	var errs []error
	sent := 0
	for _, c := range conns {
		if err := c.Send(ctx, target, args); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.id, err))
			continue
		}
		sent++
	}
	svr.metrics.ObservePush(target, sent)
	return sent, errors.Join(errs...)
}

func (svr *Server) deliverEnvelope(ctx context.Context, env backplane.Envelope) {
	args, err := env.Arguments()
	if err != nil {
		svr.logger.Warn("dropping envelope with undecodable arguments", zap.String("id", env.ID), zap.Error(err))
		return
	}
	if _, err := svr.deliver(ctx, env.Target, args, env); err != nil {
		svr.logger.Warn("push failed", zap.String("target", env.Target), zap.Stringer("audience", env.Audience), zap.Error(err))
	}
}
