package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const (
	connectionTTL     = 90 * time.Second
	connectionRefresh = 30 * time.Second
)

// Cluster records which instance owns each connection and moves frames
// between instances over redis pub/sub.
type Cluster struct {
	rdb        *redis.Client
	logger     *slog.Logger
	instanceID string
	prefix     string
}

func NewCluster(logger *slog.Logger, rdb *redis.Client, instanceID, prefix string) *Cluster {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Cluster{
		rdb:        rdb,
		logger:     logger,
		instanceID: instanceID,
		prefix:     prefix,
	}
}

func (c *Cluster) connectionKey(id string) string {
	return fmt.Sprintf("%v:conn:%v", c.prefix, id)
}

func (c *Cluster) channel(instanceID string) string {
	return fmt.Sprintf("%v:instance:%v", c.prefix, instanceID)
}

func (c *Cluster) Advertise(ctx context.Context, id string) error {
	return c.rdb.Set(ctx, c.connectionKey(id), c.instanceID, connectionTTL).Err()
}

func (c *Cluster) Refresh(ctx context.Context, id string) error {
	return c.rdb.Expire(ctx, c.connectionKey(id), connectionTTL).Err()
}

func (c *Cluster) Withdraw(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.connectionKey(id)).Err()
}

// Alive reports which of ids still have an owning instance.
func (c *Cluster) Alive(ctx context.Context, ids []string) ([]bool, error) {
	cmds := make([]*redis.IntCmd, len(ids))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, c.connectionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	alive := make([]bool, len(ids))
	for i, cmd := range cmds {
		alive[i] = cmd.Val() > 0
	}
	return alive, nil
}

// Owner returns the instance a connection is attached to.
func (c *Cluster) Owner(ctx context.Context, id string) (string, error) {
	instanceID, err := c.rdb.Get(ctx, c.connectionKey(id)).Result()
	if err == redis.Nil {
		return "", ErrUnknownConnection
	}
	return instanceID, err
}

func (c *Cluster) Forward(ctx context.Context, event ClusterEvent) error {
	instanceID, err := c.Owner(ctx, event.ID)
	if err != nil {
		return err
	}

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return c.rdb.Publish(ctx, c.channel(instanceID), string(b)).Err()
}

func (c *Cluster) Subscribe(ctx context.Context, deliver func(ClusterEvent)) {
	sub := c.rdb.Subscribe(ctx, c.channel(c.instanceID))
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			event := ClusterEvent{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.logger.Error("failed to unmarshal cluster event", err)
				continue
			}

			deliver(event)
		}
	}
}

// DropRoute closes the connection named by the signed request's subject,
// wherever in the cluster it lives.
func DropRoute(logger *slog.Logger, hub *Hub, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := verifier(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if err := hub.Drop(r.Context(), id); errors.Is(err, ErrUnknownConnection) {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if errors.Is(err, ErrQueueFull) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		} else if err != nil {
			logger.Error("failed to drop connection", err, slog.String("id", id))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		logger.Info("drop requested", slog.String("id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

func encodePayload(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePayload(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
