package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type recorder struct {
	mu     sync.Mutex
	frames map[string][]Envelope
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]Envelope)}
}

func (r *recorder) Send(_ context.Context, id string, payload []byte) error {
	env := Envelope{}
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[id] = append(r.frames[id], env)
	return nil
}

func (r *recorder) received(id string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.frames[id]...)
}

func (r *recorder) ofType(id string, typ EventType) []Envelope {
	var out []Envelope
	for _, env := range r.received(id) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, frames := range r.frames {
		n += len(frames)
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = make(map[string][]Envelope)
}

type oracleFunc func(ctx context.Context, canvasID string) (bool, error)

func (f oracleFunc) Exists(ctx context.Context, canvasID string) (bool, error) {
	return f(ctx, canvasID)
}

func knownCanvases(ids ...string) CanvasOracle {
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}
	return oracleFunc(func(_ context.Context, canvasID string) (bool, error) {
		return known[canvasID], nil
	})
}

var testNow = time.UnixMilli(1700000000000)

func testLogger() *slog.Logger {
	return slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard))
}

type fixture struct {
	c        *Coordinator
	sent     *recorder
	registry *MemoryRegistry
}

func newFixture(oracle CanvasOracle, snapshots SnapshotStore) *fixture {
	f := &fixture{sent: newRecorder(), registry: NewMemoryRegistry()}
	f.c = NewCoordinator(CoordinatorOptions{
		Logger:    testLogger(),
		Registry:  f.registry,
		Oracle:    oracle,
		Snapshots: snapshots,
		Sender:    f.sent,
		Now:       func() time.Time { return testNow },
	})
	return f
}

func frame(t *testing.T, typ EventType, data any) []byte {
	t.Helper()
	b, err := json.Marshal(outboundEnvelope{Type: typ, Data: data})
	require.NoError(t, err)
	return b
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (f *fixture) connect(ids ...string) {
	for _, id := range ids {
		f.c.Connect(id)
	}
}

func (f *fixture) send(t *testing.T, id string, typ EventType, data any) {
	t.Helper()
	f.c.Handle(context.Background(), id, frame(t, typ, data))
}

func (f *fixture) join(t *testing.T, canvasID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		f.send(t, id, EventJoinCanvas, JoinCanvas{CanvasID: canvasID})
	}
}

func (f *fixture) members(t *testing.T, canvasID string) []string {
	t.Helper()
	members, err := f.registry.MembersOf(context.Background(), canvasID)
	require.NoError(t, err)
	return members
}

var segment = Draw{
	Points:    []Point{{X: 0, Y: 0}, {X: 10, Y: 10}},
	Color:     "#000000",
	BrushSize: 5,
}

func TestCoordinator_Scenario(t *testing.T) {
	f := newFixture(knownCanvases("c1"), nil)
	f.connect("u1", "u2")

	f.join(t, "c1", "u1")
	joined := f.sent.ofType("u1", EventJoinedCanvas)
	require.Len(t, joined, 1)
	assert.Equal(t, JoinedCanvas{
		Success:  true,
		CanvasID: "c1",
		Users:    []User{{ID: "u1"}},
		Message:  "Joined canvas c1",
	}, decode[JoinedCanvas](t, joined[0]))

	f.join(t, "c1", "u2")
	userJoined := f.sent.ofType("u1", EventUserJoined)
	require.Len(t, userJoined, 1)
	uj := decode[UserJoined](t, userJoined[0])
	assert.Equal(t, "u2", uj.UserID)
	assert.Equal(t, "c1", uj.CanvasID)
	assert.Equal(t, []User{{ID: "u1"}, {ID: "u2"}}, uj.Users)
	assert.Empty(t, f.sent.ofType("u2", EventUserJoined))

	f.sent.reset()
	f.send(t, "u1", EventDraw, segment)
	assert.Empty(t, f.sent.received("u1"))
	drawn := f.sent.ofType("u2", EventDrawingData)
	require.Len(t, drawn, 1)
	assert.Equal(t, DrawingData{
		Points:    segment.Points,
		Color:     "#000000",
		BrushSize: 5,
		UserID:    "u1",
	}, decode[DrawingData](t, drawn[0]))

	f.sent.reset()
	f.c.Disconnect(context.Background(), "u2")
	left := f.sent.ofType("u1", EventUserLeft)
	require.Len(t, left, 1)
	ul := decode[UserLeft](t, left[0])
	assert.Equal(t, "u2", ul.UserID)
	assert.Equal(t, []User{{ID: "u1"}}, ul.Users)
	assert.Equal(t, 1, f.sent.total())
}

func TestCoordinator_JoinRejectsUnknownCanvas(t *testing.T) {
	f := newFixture(knownCanvases("c1"), nil)
	f.connect("a", "b")
	f.join(t, "c1", "b")
	f.sent.reset()

	f.join(t, "nope", "a")

	errs := f.sent.ofType("a", EventErrorMessage)
	require.Len(t, errs, 1)
	assert.Equal(t, "Canvas nope not found", decode[ErrorEvent](t, errs[0]).Message)
	assert.Equal(t, 1, f.sent.total())
	assert.Empty(t, f.members(t, "nope"))
	assert.Equal(t, []string{"b"}, f.members(t, "c1"))

	s, _ := f.c.Session("a")
	assert.Empty(t, s.CurrentRoom())
}

func TestCoordinator_OracleFailureRejectsJoin(t *testing.T) {
	f := newFixture(oracleFunc(func(context.Context, string) (bool, error) {
		return true, errors.New("connection refused")
	}), nil)
	f.connect("a")

	f.join(t, "c1", "a")

	errs := f.sent.ofType("a", EventErrorMessage)
	require.Len(t, errs, 1)
	assert.Equal(t, internalErrorMessage, decode[ErrorEvent](t, errs[0]).Message)
	assert.Empty(t, f.members(t, "c1"))
}

func TestCoordinator_HandlerPanicIsContained(t *testing.T) {
	calls := 0
	f := newFixture(oracleFunc(func(context.Context, string) (bool, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return true, nil
	}), nil)
	f.connect("a")

	f.join(t, "c1", "a")
	errs := f.sent.ofType("a", EventErrorMessage)
	require.Len(t, errs, 1)
	assert.Equal(t, internalErrorMessage, decode[ErrorEvent](t, errs[0]).Message)

	f.join(t, "c1", "a")
	assert.Len(t, f.sent.ofType("a", EventJoinedCanvas), 1)
	assert.Equal(t, []string{"a"}, f.members(t, "c1"))
}

func TestCoordinator_DrawRequiresMembership(t *testing.T) {
	f := newFixture(knownCanvases("c1"), nil)
	f.connect("a", "b")
	f.join(t, "c1", "b")
	f.sent.reset()

	f.send(t, "a", EventDraw, segment)

	errs := f.sent.ofType("a", EventErrorMessage)
	require.Len(t, errs, 1)
	assert.Equal(t, "You must join a canvas before drawing", decode[ErrorEvent](t, errs[0]).Message)
	assert.Equal(t, 1, f.sent.total())
}

func TestCoordinator_ClearRequiresMembership(t *testing.T) {
	f := newFixture(knownCanvases("c1"), nil)
	f.connect("a")

	f.send(t, "a", EventClear, struct{}{})

	require.Len(t, f.sent.ofType("a", EventErrorMessage), 1)
	assert.Equal(t, 1, f.sent.total())
}

func TestCoordinator_DrawExcludesSenderClearIncludesSender(t *testing.T) {
	f := newFixture(knownCanvases("r"), nil)
	f.connect("a", "b", "c", "outsider")
	f.join(t, "r", "a", "b", "c")
	f.sent.reset()

	f.send(t, "a", EventDraw, segment)
	assert.Empty(t, f.sent.ofType("a", EventDrawingData))
	assert.Len(t, f.sent.ofType("b", EventDrawingData), 1)
	assert.Len(t, f.sent.ofType("c", EventDrawingData), 1)
	assert.Empty(t, f.sent.received("outsider"))

	f.sent.reset()
	f.send(t, "a", EventClear, nil)
	for _, id := range []string{"a", "b", "c"} {
		cleared := f.sent.ofType(id, EventCanvasCleared)
		require.Len(t, cleared, 1, id)
		assert.Equal(t, CanvasCleared{ClearedBy: "a", Timestamp: testNow.UnixMilli()}, decode[CanvasCleared](t, cleared[0]))
	}
	assert.Empty(t, f.sent.received("outsider"))
}

func TestCoordinator_DisconnectCleansMembership(t *testing.T) {
	f := newFixture(knownCanvases("r"), nil)
	f.connect("a", "b")
	f.join(t, "r", "a", "b")
	f.sent.reset()

	f.c.Disconnect(context.Background(), "a")
	assert.Equal(t, []string{"b"}, f.members(t, "r"))
	assert.Len(t, f.sent.ofType("b", EventUserLeft), 1)
	assert.Empty(t, f.sent.received("a"))

	f.c.Disconnect(context.Background(), "a")
	assert.Equal(t, 1, f.sent.total())

	// events from a torn down connection are ignored
	f.send(t, "a", EventJoinCanvas, JoinCanvas{CanvasID: "r"})
	assert.Equal(t, []string{"b"}, f.members(t, "r"))
	assert.Equal(t, 1, f.sent.total())
}

// gatedSender holds the first frame of type typ addressed to id until
// release is closed.
type gatedSender struct {
	*recorder
	id      string
	typ     EventType
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) Send(ctx context.Context, id string, payload []byte) error {
	env := Envelope{}
	if err := json.Unmarshal(payload, &env); err == nil && id == g.id && env.Type == g.typ {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.recorder.Send(ctx, id, payload)
}

func TestCoordinator_DisconnectDuringJoinKeepsOrder(t *testing.T) {
	sender := &gatedSender{
		recorder: newRecorder(),
		id:       "b",
		typ:      EventUserJoined,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	registry := NewMemoryRegistry()
	c := NewCoordinator(CoordinatorOptions{
		Logger:   testLogger(),
		Registry: registry,
		Oracle:   knownCanvases("r"),
		Sender:   sender,
	})
	c.Connect("a")
	c.Connect("b")
	c.Handle(context.Background(), "b", frame(t, EventJoinCanvas, JoinCanvas{CanvasID: "r"}))

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		c.Handle(context.Background(), "a", frame(t, EventJoinCanvas, JoinCanvas{CanvasID: "r"}))
	}()
	<-sender.entered

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		c.Disconnect(context.Background(), "a")
	}()

	select {
	case <-disconnected:
		t.Fatal("disconnect finished while the join was still delivering")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.release)
	<-joined
	<-disconnected

	var types []EventType
	for _, env := range sender.received("b") {
		types = append(types, env.Type)
	}
	assert.Equal(t, []EventType{EventJoinedCanvas, EventUserJoined, EventUserLeft}, types)

	members, err := registry.MembersOf(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestCoordinator_JoinMovesBetweenRooms(t *testing.T) {
	f := newFixture(knownCanvases("r1", "r2"), nil)
	f.connect("a", "b")
	f.join(t, "r1", "a", "b")
	f.sent.reset()

	f.join(t, "r2", "a")

	assert.Equal(t, []string{"b"}, f.members(t, "r1"))
	assert.Equal(t, []string{"a"}, f.members(t, "r2"))

	s, _ := f.c.Session("a")
	assert.Equal(t, "r2", s.CurrentRoom())

	left := f.sent.ofType("b", EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "r1", decode[UserLeft](t, left[0]).CanvasID)
}

func TestCoordinator_RejoinSameRoom(t *testing.T) {
	f := newFixture(knownCanvases("r"), nil)
	f.connect("a", "b")
	f.join(t, "r", "a", "b")
	f.sent.reset()

	f.join(t, "r", "b")

	assert.Equal(t, []string{"a", "b"}, f.members(t, "r"))
	assert.Len(t, f.sent.ofType("b", EventJoinedCanvas), 1)
	assert.Empty(t, f.sent.received("a"))
}

func TestCoordinator_Leave(t *testing.T) {
	f := newFixture(knownCanvases("r"), nil)
	f.connect("a", "b")

	f.send(t, "a", EventLeaveCanvas, nil)
	notJoined := f.sent.ofType("a", EventLeftCanvas)
	require.Len(t, notJoined, 1)
	assert.Equal(t, LeftCanvas{Success: true, Message: "Not in a canvas"}, decode[LeftCanvas](t, notJoined[0]))
	assert.Empty(t, f.sent.ofType("a", EventErrorMessage))

	f.join(t, "r", "a", "b")
	f.sent.reset()

	f.send(t, "a", EventLeaveCanvas, struct{}{})

	assert.Equal(t, []string{"b"}, f.members(t, "r"))
	left := f.sent.ofType("a", EventLeftCanvas)
	require.Len(t, left, 1)
	assert.Equal(t, LeftCanvas{Success: true, Message: "Left canvas r"}, decode[LeftCanvas](t, left[0]))

	userLeft := f.sent.ofType("b", EventUserLeft)
	require.Len(t, userLeft, 1)
	assert.Equal(t, []User{{ID: "b"}}, decode[UserLeft](t, userLeft[0]).Users)
	assert.Empty(t, f.sent.ofType("a", EventUserLeft))

	s, _ := f.c.Session("a")
	assert.Empty(t, s.CurrentRoom())

	f.sent.reset()
	f.send(t, "a", EventDraw, segment)
	assert.Len(t, f.sent.ofType("a", EventErrorMessage), 1)
	assert.Empty(t, f.sent.received("b"))
}

func TestCoordinator_MalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `not json`},
		{name: "missing type", frame: `{"data":{}}`},
		{name: "unknown type", frame: `{"type":"explode"}`},
		{name: "join without canvas", frame: `{"type":"join-canvas","data":{}}`},
		{name: "join with numeric canvas", frame: `{"type":"join-canvas","data":{"canvasId":7}}`},
		{name: "draw with one point", frame: `{"type":"draw","data":{"points":[{"x":1,"y":1}],"color":"#fff","brushSize":2}}`},
		{name: "draw without color", frame: `{"type":"draw","data":{"points":[{"x":1,"y":1},{"x":2,"y":2}],"brushSize":2}}`},
		{name: "draw with string brush", frame: `{"type":"draw","data":{"points":[{"x":1,"y":1},{"x":2,"y":2}],"color":"#fff","brushSize":"2"}}`},
		{name: "draw with point missing y", frame: `{"type":"draw","data":{"points":[{"x":1},{"x":2,"y":2}],"color":"#fff","brushSize":2}}`},
		{name: "draw with zero brush", frame: `{"type":"draw","data":{"points":[{"x":1,"y":1},{"x":2,"y":2}],"color":"#fff","brushSize":0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(knownCanvases("r"), nil)
			f.connect("a", "b")
			f.join(t, "r", "a", "b")
			f.sent.reset()

			f.c.Handle(context.Background(), "a", []byte(tt.frame))

			errs := f.sent.ofType("a", EventErrorMessage)
			require.Len(t, errs, 1)
			assert.NotEmpty(t, decode[ErrorEvent](t, errs[0]).Message)
			assert.NotEqual(t, internalErrorMessage, decode[ErrorEvent](t, errs[0]).Message)
			assert.Equal(t, 1, f.sent.total())
			assert.Equal(t, []string{"a", "b"}, f.members(t, "r"))
		})
	}
}

func TestCoordinator_SnapshotReplay(t *testing.T) {
	store := NewMemoryCanvasStore(0)
	canvas, err := store.Create(context.Background(), "board", nil)
	require.NoError(t, err)

	f := newFixture(store, store)
	f.connect("a", "late", "later")
	f.join(t, canvas.ID, "a")
	assert.Empty(t, f.sent.ofType("a", EventCanvasState))

	f.send(t, "a", EventDraw, Draw{Points: segment.Points, Color: "red", BrushSize: 3, StrokeID: "s1"})

	f.join(t, canvas.ID, "late")
	states := f.sent.ofType("late", EventCanvasState)
	require.Len(t, states, 1)
	state := decode[CanvasState](t, states[0])
	assert.Equal(t, canvas.ID, state.CanvasID)
	require.Len(t, state.Segments, 1)
	assert.Equal(t, "a", state.Segments[0].UserID)
	assert.Equal(t, "s1", state.Segments[0].StrokeID)

	received := f.sent.received("late")
	require.Len(t, received, 2)
	assert.Equal(t, EventJoinedCanvas, received[0].Type)

	f.send(t, "a", EventClear, nil)
	f.join(t, canvas.ID, "later")
	assert.Empty(t, f.sent.ofType("later", EventCanvasState))
}

func TestCoordinator_Ping(t *testing.T) {
	f := newFixture(knownCanvases(), nil)
	f.connect("a")

	f.send(t, "a", EventPing, Ping{Timestamp: 12345})
	f.send(t, "a", EventPing, nil)

	pongs := f.sent.ofType("a", EventPong)
	require.Len(t, pongs, 2)
	assert.Equal(t, int64(12345), decode[Pong](t, pongs[0]).Timestamp)
	assert.Equal(t, testNow.UnixMilli(), decode[Pong](t, pongs[1]).Timestamp)
}

func TestCoordinator_ConcurrentConnections(t *testing.T) {
	f := newFixture(knownCanvases("r1", "r2"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		id := string(rune('a' + i))
		f.connect(id)

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			f.join(t, "r1", id)
			f.send(t, id, EventDraw, segment)
			if i%2 == 0 {
				f.join(t, "r2", id)
			}
			if i%4 == 0 {
				f.c.Disconnect(context.Background(), id)
			}
		}(i, id)
	}
	wg.Wait()

	assert.Len(t, f.members(t, "r1"), 8)
	assert.Len(t, f.members(t, "r2"), 4)
}
