package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

const defaultQueueSize = 256

// Hub owns the outbound queues of the connections on this instance. With a
// Cluster attached, frames for connections owned by other instances are
// forwarded to them.
type Hub struct {
	logger      *slog.Logger
	metrics     *Metrics
	cluster     *Cluster
	queueSize   int
	keepalive   time.Duration
	mu          sync.RWMutex
	connections map[string]chan Frame
}

func NewHub(logger *slog.Logger, metrics *Metrics, cluster *Cluster) *Hub {
	return &Hub{
		logger:      logger,
		metrics:     metrics,
		cluster:     cluster,
		queueSize:   defaultQueueSize,
		keepalive:   connectionRefresh,
		connections: make(map[string]chan Frame),
	}
}

// Attach registers a local connection and returns its outbound queue. The
// queue is closed by Detach.
func (h *Hub) Attach(ctx context.Context, id string) (<-chan Frame, error) {
	frames := make(chan Frame, h.queueSize)

	h.mu.Lock()
	if _, exists := h.connections[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("connection %v already attached", id)
	}
	h.connections[id] = frames
	h.mu.Unlock()

	if h.cluster != nil {
		if err := h.cluster.Advertise(ctx, id); err != nil {
			h.Detach(ctx, id)
			return nil, err
		}
	}

	return frames, nil
}

func (h *Hub) Detach(ctx context.Context, id string) {
	h.mu.Lock()
	frames, ok := h.connections[id]
	if ok {
		delete(h.connections, id)
		close(frames)
	}
	h.mu.Unlock()

	if ok && h.cluster != nil {
		if err := h.cluster.Withdraw(ctx, id); err != nil {
			h.logger.Error("failed to withdraw connection", err, slog.String("id", id))
		}
	}
}

// Refresh keeps the cluster advertisement of a live connection from expiring.
func (h *Hub) Refresh(ctx context.Context, id string) error {
	if h.cluster == nil {
		return nil
	}
	return h.cluster.Refresh(ctx, id)
}

// Keepalive refreshes the advertisement of id until ctx is done.
func (h *Hub) Keepalive(ctx context.Context, id string) {
	if h.cluster == nil {
		return
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Refresh(ctx, id); err != nil && ctx.Err() == nil {
				h.logger.Error("failed to refresh connection", err, slog.String("id", id))
			}
		}
	}
}

// enqueue never blocks; a full queue loses the frame.
func (h *Hub) enqueue(id string, frame Frame) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	frames, ok := h.connections[id]
	if !ok {
		return false, nil
	}

	select {
	case frames <- frame:
		return true, nil
	default:
		return true, ErrQueueFull
	}
}

func (h *Hub) Send(ctx context.Context, id string, payload []byte) error {
	local, err := h.enqueue(id, Frame{Buffer: payload})
	if local || h.cluster == nil {
		if !local {
			err = ErrUnknownConnection
		}
		h.metrics.RecordDelivery(err == nil)
		return err
	}

	err = h.cluster.Forward(ctx, ClusterEvent{Type: ClusterEventWrite, ID: id, Payload: encodePayload(payload)})
	h.metrics.RecordDelivery(err == nil)
	return err
}

// Drop asks the owner of a connection to close it.
func (h *Hub) Drop(ctx context.Context, id string) error {
	local, err := h.enqueue(id, Frame{Drop: true})
	if local {
		return err
	}
	if h.cluster == nil {
		return ErrUnknownConnection
	}
	return h.cluster.Forward(ctx, ClusterEvent{Type: ClusterEventDrop, ID: id})
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Run consumes cluster events addressed to this instance until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.cluster == nil {
		return
	}

	h.cluster.Subscribe(ctx, func(event ClusterEvent) {
		log := h.logger.With(slog.String("connection", event.ID))

		switch event.Type {
		case ClusterEventWrite:
			b, err := decodePayload(event.Payload)
			if err != nil {
				log.Warn("failed to decode payload")
				return
			}
			local, err := h.enqueue(event.ID, Frame{Buffer: b})
			if !local {
				log.Warn("no such connection")
				return
			}
			h.metrics.RecordDelivery(err == nil)
		case ClusterEventDrop:
			if local, _ := h.enqueue(event.ID, Frame{Drop: true}); !local {
				log.Warn("no such connection")
			}
		default:
			log.Warn("unknown event type", slog.String("event", string(event.Type)))
		}
	})
}
