package internal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"

	"nhooyr.io/websocket"
)

type WebsocketOptions struct {
	OriginPatterns []string
	ReadLimit      int64
	PingInterval   time.Duration
}

func JoinRoute(
	logger *slog.Logger,
	hub *Hub,
	coordinator *Coordinator,
	metrics *Metrics,
	opts WebsocketOptions,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		log := logger.With(slog.String("id", id))

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Warn("failed to accept websocket", slog.String("reason", err.Error()))
			return
		}

		if opts.ReadLimit > 0 {
			conn.SetReadLimit(opts.ReadLimit)
		}

		frames, err := hub.Attach(ctx, id)
		if err != nil {
			log.Error("failed to attach connection", err)
			_ = conn.Close(websocket.StatusInternalError, "unavailable")
			return
		}

		coordinator.Connect(id)
		metrics.ConnectionOpened()
		log.Info("connected")

		var once sync.Once
		teardown := func() {
			once.Do(func() {
				cancel()
				coordinator.Disconnect(context.Background(), id)
				hub.Detach(context.Background(), id)
				metrics.ConnectionClosed()
				log.Info("left")
			})
		}
		defer teardown()

		go func() {
			defer teardown()
			for {
				typ, b, err := conn.Read(ctx)
				if err != nil {
					if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
						log.Debug("read failed", slog.String("reason", err.Error()))
					}
					return
				}

				if typ != websocket.MessageText {
					coordinator.Reject(ctx, id, validationError("binary frames are not supported"))
					continue
				}

				coordinator.Handle(ctx, id, b)
			}
		}()

		go hub.Keepalive(ctx, id)

		if opts.PingInterval > 0 {
			go func() {
				ticker := time.NewTicker(opts.PingInterval)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := conn.Ping(ctx); err != nil {
							if ctx.Err() == nil {
								log.Error("failed to ping", err)
								_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
							}
							cancel()
							return
						}
					}
				}
			}()
		}

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}

				if frame.Drop {
					_ = conn.Close(websocket.StatusNormalClosure, "dropped")
					return
				}

				if err := conn.Write(ctx, websocket.MessageText, frame.Buffer); err != nil {
					if ctx.Err() == nil {
						log.Error("failed to write message", err)
					}
					return
				}
			}
		}
	}
}
