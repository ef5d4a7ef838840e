// Package logctx enriches slog records with debugging-session context
// carried on the context.Context. Surrounding tooling installs Handler at
// logger setup; packages here only attach data to contexts they already
// thread through.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-derived groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ad, ok := ctx.Value(attachDataKey{}).(*AttachData); ok {
		r.AddAttrs(slog.Group("attach",
			slog.String("id", ad.AttachID),
			slog.String("state", ad.State),
		))
	}

	if rd, ok := ctx.Value(rpcDataKey{}).(*RPCData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rd.Method),
			slog.String("session", rd.SessionID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type attachDataKey struct{}

// AttachData identifies one attach session.
type AttachData struct {
	AttachID string
	State    string
}

func WithAttachData(ctx context.Context, data *AttachData) context.Context {
	return context.WithValue(ctx, attachDataKey{}, data)
}

type rpcDataKey struct{}

// RPCData identifies one protocol exchange.
type RPCData struct {
	Method    string
	SessionID string
}

func WithRPCData(ctx context.Context, data *RPCData) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, data)
}
