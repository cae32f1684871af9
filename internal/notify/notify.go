// Package notify implements the notification relay of spec §4.M: it
// dequeues UserMessage events produced internally, persists them (except
// progress-kind messages, which are never persisted), and emits them through
// the session hub addressed to their recipient.
package notify

import (
	"context"

	"github.com/clapshot/clapshot-server/internal/hub"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/store"
)

// Store is the subset of internal/store.Store the relay persists through;
// narrowed to ease testing with a fake.
type Store interface {
	InsertMessage(ctx context.Context, m *model.UserMessage) (int64, error)
}

var _ Store = (*store.Store)(nil)

type Relay struct {
	store  Store
	hub    *hub.Hub
	logger *logging.Logger
	in     chan *model.UserMessage
}

func New(st Store, h *hub.Hub, logger *logging.Logger) *Relay {
	return &Relay{
		store:  st,
		hub:    h,
		logger: logger.WithComponent("notify"),
		in:     make(chan *model.UserMessage, 256),
	}
}

// Enqueue submits msg for persistence and delivery; it never blocks past the
// relay's buffer.
func (r *Relay) Enqueue(msg *model.UserMessage) {
	select {
	case r.in <- msg:
	default:
		r.logger.Warnf("notification queue full, dropping message for user %s", msg.UserId)
	}
}

// Run drains the queue until stop is closed.
func (r *Relay) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-r.in:
			r.deliver(msg)
		}
	}
}

func (r *Relay) deliver(msg *model.UserMessage) {
	if msg.Persistable() {
		if _, err := r.store.InsertMessage(context.Background(), msg); err != nil {
			r.logger.Errorf("failed to persist message for user %s: %v", msg.UserId, err)
		}
	}

	recipient := r.recipientOf(msg)
	if err := r.hub.Emit("show_messages", msg, recipient); err != nil {
		r.logger.Warnf("broadcast failed for user %s: %v", msg.UserId, err)
	}
}

// recipientOf implements spec §4.M's "targeted to the message's recipient
// (user id, media id, or collab id)": a media-scoped message goes to every
// viewer of that media, otherwise it goes to the naming user.
func (r *Relay) recipientOf(msg *model.UserMessage) hub.Recipient {
	if msg.VideoId != nil {
		return hub.ToMedia(*msg.VideoId)
	}
	return hub.ToUser(msg.UserId)
}
