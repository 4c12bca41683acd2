package chat

import (
	"roomgw/tools/errs"
)

// Context carries what a frame handler needs.
type Context struct {
	S *Server
}

// Handler processes one inbound frame type for an authenticated session.
type Handler interface {
	Type() string
	Handle(ctx *Context, sess *Session, payload map[string]any) error
}

// Dispatcher routes parsed frames to handlers by type. Registration happens
// once at server construction; dispatch is read-only after that.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Type()] = h
}

func (d *Dispatcher) Dispatch(ctx *Context, sess *Session, typ string, payload map[string]any) error {
	h, ok := d.handlers[typ]
	if !ok {
		return errs.ErrBadFrame.WithDetail("unknown frame type: " + typ)
	}
	return h.Handle(ctx, sess, payload)
}
