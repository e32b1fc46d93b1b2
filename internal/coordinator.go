package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// Sender delivers one encoded frame to one connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Session is the coordinator's view of one connection. Its room is only
// changed while mu is held, and mu serializes the connection's events.
type Session struct {
	ID     string
	mu     sync.Mutex
	room   string
	closed bool
}

func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

type Outbound struct {
	To   []string
	Type EventType
	Data any
}

// reply collects what a handler wants sent, and work to run once it has been.
type reply struct {
	out   []Outbound
	after []func(ctx context.Context)
}

func (r *reply) send(to []string, typ EventType, data any) {
	if len(to) == 0 {
		return
	}
	r.out = append(r.out, Outbound{To: to, Type: typ, Data: data})
}

func (r *reply) then(fn func(ctx context.Context)) {
	r.after = append(r.after, fn)
}

type handler func(ctx context.Context, s *Session, data json.RawMessage) (*reply, error)

type CoordinatorOptions struct {
	Logger   *slog.Logger
	Registry Registry
	Oracle   CanvasOracle
	// Snapshots, when set, records draw segments and replays them on join.
	Snapshots SnapshotStore
	Sender    Sender
	Metrics   *Metrics
	Now       func() time.Time
}

type Coordinator struct {
	logger    *slog.Logger
	registry  Registry
	oracle    CanvasOracle
	snapshots SnapshotStore
	sender    Sender
	metrics   *Metrics
	now       func() time.Time
	handlers  map[EventType]handler

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		logger:    opts.Logger,
		registry:  opts.Registry,
		oracle:    opts.Oracle,
		snapshots: opts.Snapshots,
		sender:    opts.Sender,
		metrics:   opts.Metrics,
		now:       opts.Now,
		sessions:  make(map[string]*Session),
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.handlers = map[EventType]handler{
		EventJoinCanvas:  c.join,
		EventDraw:        c.draw,
		EventClear:       c.clear,
		EventLeaveCanvas: c.leave,
		EventPing:        c.ping,
	}

	return c
}

// Connect allocates an unjoined session for id.
func (c *Coordinator) Connect(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id}
	c.sessions[id] = s
	return s
}

func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Handle decodes one inbound frame from id and runs its handler. Frames from
// one connection must be passed in the order they were received. Sender.Send
// is called with the session locked and must not block.
func (c *Coordinator) Handle(ctx context.Context, id string, frame []byte) {
	s, ok := c.Session(id)
	if !ok {
		c.logger.Warn("frame from unknown connection", slog.String("id", id))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	r := c.dispatch(ctx, s, frame)
	// queued before Disconnect can announce the departure
	c.deliver(ctx, r.out)
	s.mu.Unlock()

	for _, fn := range r.after {
		fn(ctx)
	}
}

// Reject reports err to id alone.
func (c *Coordinator) Reject(ctx context.Context, id string, err error) {
	c.deliver(ctx, c.reject(id, "", err).out)
}

func (c *Coordinator) dispatch(ctx context.Context, s *Session, frame []byte) (r *reply) {
	var typ EventType

	defer func() {
		if p := recover(); p != nil {
			r = c.reject(s.ID, typ, internalError("handler panicked", fmt.Errorf("%v", p)))
		}
	}()

	env, err := decodeFrame(frame)
	if err != nil {
		return c.reject(s.ID, "", err)
	}
	typ = env.Type

	r, err = c.handlers[typ](ctx, s, env.Data)
	if err != nil {
		return c.reject(s.ID, typ, err)
	}

	c.metrics.RecordEvent(typ, "ok")
	if r == nil {
		r = &reply{}
	}
	return r
}

func (c *Coordinator) reject(id string, typ EventType, err error) *reply {
	ee := classify(err)
	log := c.logger.With(slog.String("id", id), slog.String("event", string(typ)))

	if ee.Kind == KindInternal {
		log.Error("event failed", ee)
	} else {
		log.Debug("event rejected", slog.String("kind", ee.Kind.String()), slog.String("reason", ee.Message))
	}

	c.metrics.RecordEvent(typ, ee.Kind.String())

	r := &reply{}
	r.send([]string{id}, EventErrorMessage, ErrorEvent{Message: ee.Public()})
	return r
}

func (c *Coordinator) deliver(ctx context.Context, out []Outbound) {
	for _, o := range out {
		b, err := json.Marshal(outboundEnvelope{Type: o.Type, Data: o.Data})
		if err != nil {
			c.logger.Error("failed to encode outbound event", err, slog.String("event", string(o.Type)))
			continue
		}

		for _, id := range o.To {
			if err := c.sender.Send(ctx, id, b); err != nil {
				c.logger.Debug("dropped outbound event",
					slog.String("id", id),
					slog.String("event", string(o.Type)),
					slog.String("reason", err.Error()),
				)
			}
		}
	}
}

func (c *Coordinator) join(ctx context.Context, s *Session, data json.RawMessage) (*reply, error) {
	req := JoinCanvas{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, validationError("invalid join-canvas payload")
	}

	exists, err := c.oracle.Exists(ctx, req.CanvasID)
	if err != nil {
		return nil, internalError(fmt.Sprintf("canvas lookup for %v", req.CanvasID), err)
	}
	if !exists {
		return nil, preconditionError("Canvas %v not found", req.CanvasID)
	}

	r := &reply{}

	if s.room != "" && s.room != req.CanvasID {
		if err := c.depart(ctx, s, r); err != nil {
			return nil, err
		}
	}
	rejoin := s.room == req.CanvasID

	members, err := c.registry.AddMember(ctx, req.CanvasID, s.ID)
	if err != nil {
		return nil, internalError("join room", err)
	}
	s.room = req.CanvasID

	users := usersOf(members)
	r.send([]string{s.ID}, EventJoinedCanvas, JoinedCanvas{
		Success:  true,
		CanvasID: req.CanvasID,
		Users:    users,
		Message:  fmt.Sprintf("Joined canvas %v", req.CanvasID),
	})

	if !rejoin {
		r.send(without(members, s.ID), EventUserJoined, UserJoined{
			UserID:   s.ID,
			CanvasID: req.CanvasID,
			Users:    users,
			Message:  fmt.Sprintf("User %v joined", s.ID),
		})
	}

	if c.snapshots != nil {
		segments, err := c.snapshots.Segments(ctx, req.CanvasID)
		if err != nil {
			c.logger.Error("failed to load canvas snapshot", err, slog.String("canvas", req.CanvasID))
		} else if len(segments) > 0 {
			r.send([]string{s.ID}, EventCanvasState, CanvasState{CanvasID: req.CanvasID, Segments: segments})
		}
	}

	c.logger.Info("joined canvas", slog.String("id", s.ID), slog.String("canvas", req.CanvasID), slog.Int("members", len(members)))
	return r, nil
}

// depart removes s from its current room and notifies the members left behind.
func (c *Coordinator) depart(ctx context.Context, s *Session, r *reply) error {
	canvasID := s.room
	members, err := c.registry.RemoveMember(ctx, canvasID, s.ID)
	if err != nil {
		return internalError("leave room", err)
	}
	s.room = ""

	r.send(without(members, s.ID), EventUserLeft, userLeft(s.ID, canvasID, members))
	c.logger.Info("left canvas", slog.String("id", s.ID), slog.String("canvas", canvasID), slog.Int("members", len(members)))
	return nil
}

func userLeft(id, canvasID string, members []string) UserLeft {
	return UserLeft{
		UserID:   id,
		CanvasID: canvasID,
		Users:    usersOf(members),
		Message:  fmt.Sprintf("User %v left", id),
	}
}

func (c *Coordinator) draw(ctx context.Context, s *Session, data json.RawMessage) (*reply, error) {
	if s.room == "" {
		return nil, preconditionError("You must join a canvas before drawing")
	}

	req := Draw{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, validationError("invalid draw payload")
	}

	members, err := c.registry.MembersOf(ctx, s.room)
	if err != nil {
		return nil, internalError("read room members", err)
	}

	segment := DrawingData{
		Points:    req.Points,
		Color:     req.Color,
		BrushSize: req.BrushSize,
		StrokeID:  req.StrokeID,
		UserID:    s.ID,
	}

	r := &reply{}
	r.send(without(members, s.ID), EventDrawingData, segment)

	if c.snapshots != nil {
		canvasID := s.room
		r.then(func(ctx context.Context) {
			if err := c.snapshots.AppendSegment(ctx, canvasID, segment); err != nil {
				c.logger.Error("failed to record segment", err, slog.String("canvas", canvasID))
			}
		})
	}

	return r, nil
}

func (c *Coordinator) clear(ctx context.Context, s *Session, _ json.RawMessage) (*reply, error) {
	if s.room == "" {
		return nil, preconditionError("You must join a canvas before clearing it")
	}

	members, err := c.registry.MembersOf(ctx, s.room)
	if err != nil {
		return nil, internalError("read room members", err)
	}

	// the sender always hears its own clear
	to := append(without(members, s.ID), s.ID)

	r := &reply{}
	r.send(to, EventCanvasCleared, CanvasCleared{
		ClearedBy: s.ID,
		Timestamp: c.now().UnixMilli(),
	})

	if c.snapshots != nil {
		canvasID := s.room
		r.then(func(ctx context.Context) {
			if err := c.snapshots.ClearSegments(ctx, canvasID); err != nil {
				c.logger.Error("failed to clear snapshot", err, slog.String("canvas", canvasID))
			}
		})
	}

	c.logger.Info("canvas cleared", slog.String("id", s.ID), slog.String("canvas", s.room))
	return r, nil
}

func (c *Coordinator) leave(ctx context.Context, s *Session, _ json.RawMessage) (*reply, error) {
	r := &reply{}

	if s.room == "" {
		r.send([]string{s.ID}, EventLeftCanvas, LeftCanvas{Success: true, Message: "Not in a canvas"})
		return r, nil
	}

	canvasID := s.room
	if err := c.depart(ctx, s, r); err != nil {
		return nil, err
	}

	r.send([]string{s.ID}, EventLeftCanvas, LeftCanvas{Success: true, Message: fmt.Sprintf("Left canvas %v", canvasID)})
	return r, nil
}

func (c *Coordinator) ping(_ context.Context, s *Session, data json.RawMessage) (*reply, error) {
	req := Ping{}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, validationError("invalid ping payload")
	}
	if req.Timestamp == 0 {
		req.Timestamp = c.now().UnixMilli()
	}

	r := &reply{}
	r.send([]string{s.ID}, EventPong, Pong{Timestamp: req.Timestamp})
	return r, nil
}

// Disconnect tears down the session for id and tells every room it was in.
// Calls after the first are no-ops.
func (c *Coordinator) Disconnect(ctx context.Context, id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if !ok {
		return
	}

	// wait out an in-flight event; later ones see closed
	s.mu.Lock()
	s.closed = true
	s.room = ""
	s.mu.Unlock()

	rooms, err := c.registry.RemoveFromAllRooms(ctx, id)
	if err != nil {
		c.logger.Error("failed to remove connection from rooms", err, slog.String("id", id))
	}

	r := &reply{}
	for _, room := range rooms {
		r.send(without(room.Members, id), EventUserLeft, userLeft(id, room.CanvasID, room.Members))
		c.logger.Info("left canvas", slog.String("id", id), slog.String("canvas", room.CanvasID), slog.Int("members", len(room.Members)))
	}

	c.deliver(ctx, r.out)
}
