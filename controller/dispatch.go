package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/offline-cache/message"
)

// EventKind names a lifecycle, fetch, message or sync event.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
)

// Event is one input to the controller.
type Event struct {
	Kind EventKind

	// Request is set for fetch events.
	Request *http.Request

	// Message and Client are set for message events.
	Message message.Message
	Client  *message.Client

	// Tag is set for sync events.
	Tag string
}

// Outcome carries whatever the handled event produced.
type Outcome struct {
	Install   *InstallResult
	Activate  *ActivateResult
	Response  *http.Response
	Delivered int
}

// Dispatch routes ev to its handler. A successful install is followed by an
// immediate activation.
func (c *Controller) Dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	switch ev.Kind {
	case EventInstall:
		res, err := c.Install(ctx)
		if err != nil {
			return nil, err
		}
		out := &Outcome{Install: res}
		if res.SkipWaiting {
			if out.Activate, err = c.Activate(ctx); err != nil {
				return out, err
			}
		}
		return out, nil

	case EventActivate:
		res, err := c.Activate(ctx)
		if err != nil {
			return nil, err
		}
		return &Outcome{Activate: res}, nil

	case EventFetch:
		if ev.Request == nil {
			return nil, errors.New("fetch event has no request")
		}
		resp, err := c.HandleFetch(ctx, ev.Request)
		if err != nil {
			return nil, err
		}
		return &Outcome{Response: resp}, nil

	case EventMessage:
		return &Outcome{Delivered: c.handleMessage(ctx, ev.Client, ev.Message)}, nil

	case EventSync:
		n, err := c.Sync(ctx, ev.Tag)
		if err != nil {
			return nil, err
		}
		return &Outcome{Delivered: n}, nil

	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
