package controller

import (
	"context"
	"fmt"

	"github.com/wolfeidau/offline-cache/message"
)

// SignalConnectivityRestored tells every controlled session that a sync is
// starting and then asks them to drain their queues. It returns how many
// sessions received the trigger. The controller itself holds no queue.
func (c *Controller) SignalConnectivityRestored(ctx context.Context) int {
	c.hub.Broadcast(ctx, message.New(message.SyncingStarted))
	n := c.hub.Broadcast(ctx, message.New(message.TriggerSync))
	c.logger.Info("sync triggered", "sessions", n)
	return n
}

// Sync handles a background sync event. Only SyncTag is recognised.
func (c *Controller) Sync(ctx context.Context, tag string) (int, error) {
	if tag != SyncTag {
		return 0, fmt.Errorf("unknown sync tag %q", tag)
	}
	return c.SignalConnectivityRestored(ctx), nil
}

// Receive implements message.Receiver for messages posted by sessions.
func (c *Controller) Receive(ctx context.Context, from *message.Client, msg message.Message) {
	c.handleMessage(ctx, from, msg)
}

func (c *Controller) handleMessage(ctx context.Context, from *message.Client, msg message.Message) int {
	clientID := ""
	if from != nil {
		clientID = from.ID()
	}
	switch msg.Type {
	case message.SyncOrders:
		c.logger.Debug("sync requested", "client_id", clientID)
		return c.SignalConnectivityRestored(ctx)
	default:
		c.logger.Debug("ignoring message", "client_id", clientID, "type", msg.Type)
		return 0
	}
}
