package onebot

import (
	log "github.com/sirupsen/logrus"
)

// Handlers receives classified gateway events. Nil fields drop that
// category.
type Handlers struct {
	Message func(*Event)
	Notice  func(*Event)
	Request func(*Event)
	Meta    func(*Event)
}

// Router classifies inbound events by post type and dispatches each one in
// its own goroutine. Call responses never reach the router; the session
// resolves them against registered waiters first.
type Router struct {
	handlers Handlers
}

// NewRouter builds a router over the given handler set.
func NewRouter(handlers Handlers) *Router {
	return &Router{handlers: handlers}
}

// Run consumes the event stream until it is closed.
func (r *Router) Run(events <-chan *Event) {
	for ev := range events {
		go r.dispatch(ev)
	}
}

// dispatch routes a single event. A panicking handler is contained so one
// bad event never takes down the session or sibling tasks.
func (r *Router) dispatch(ev *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("router: handler panic on %s event: %v", ev.PostType, rec)
		}
	}()

	switch ev.PostType {
	case PostTypeMessage:
		if r.handlers.Message != nil {
			r.handlers.Message(ev)
		}
	case PostTypeNotice:
		if r.handlers.Notice != nil {
			r.handlers.Notice(ev)
		}
	case PostTypeRequest:
		if r.handlers.Request != nil {
			r.handlers.Request(ev)
		}
	case PostTypeMetaEvent:
		if r.handlers.Meta != nil {
			r.handlers.Meta(ev)
		}
	default:
		log.Debugf("router: dropping event with unknown post type %q", ev.PostType)
	}
}
