package internal

import (
	"encoding/json"
)

type EventType string

// Inbound events.
const (
	EventJoinCanvas  EventType = "join-canvas"
	EventDraw        EventType = "draw"
	EventClear       EventType = "clear"
	EventLeaveCanvas EventType = "leave-canvas"
	EventPing        EventType = "ping"
)

// Outbound events.
const (
	EventJoinedCanvas  EventType = "joined-canvas"
	EventUserJoined    EventType = "user-joined"
	EventDrawingData   EventType = "drawing-data"
	EventCanvasCleared EventType = "canvas-cleared"
	EventUserLeft      EventType = "user-left"
	EventLeftCanvas    EventType = "left-canvas"
	EventCanvasState   EventType = "canvas-state"
	EventErrorMessage  EventType = "error"
	EventPong          EventType = "pong"
)

// Envelope is the frame carried by every websocket text message.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type User struct {
	ID string `json:"id"`
}

type JoinCanvas struct {
	CanvasID string `json:"canvasId"`
}

type Draw struct {
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
	StrokeID  string  `json:"strokeId,omitempty"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type JoinedCanvas struct {
	Success  bool   `json:"success"`
	CanvasID string `json:"canvasId"`
	Users    []User `json:"users"`
	Message  string `json:"message"`
}

type UserJoined struct {
	UserID   string `json:"userId"`
	CanvasID string `json:"canvasId"`
	Users    []User `json:"users"`
	Message  string `json:"message"`
}

// DrawingData is a stroke segment as relayed to peers. UserID is always the
// server-side connection id of the sender.
type DrawingData struct {
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
	StrokeID  string  `json:"strokeId,omitempty"`
	UserID    string  `json:"userId"`
}

type CanvasCleared struct {
	ClearedBy string `json:"clearedBy"`
	Timestamp int64  `json:"timestamp"`
}

type UserLeft struct {
	UserID   string `json:"userId"`
	CanvasID string `json:"canvasId"`
	Users    []User `json:"users"`
	Message  string `json:"message"`
}

type LeftCanvas struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type CanvasState struct {
	CanvasID string        `json:"canvasId"`
	Segments []DrawingData `json:"segments"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Frame is queued for a single local connection.
type Frame struct {
	Drop   bool
	Buffer []byte
}

type ClusterEventType string

const (
	ClusterEventWrite ClusterEventType = "write"
	ClusterEventDrop  ClusterEventType = "drop"
)

// ClusterEvent is published to the instance that owns a connection.
type ClusterEvent struct {
	Type    ClusterEventType `json:"type"`
	ID      string           `json:"id"`
	Payload string           `json:"payload,omitempty"`
}

func usersOf(members []string) []User {
	users := make([]User, 0, len(members))
	for _, id := range members {
		users = append(users, User{ID: id})
	}
	return users
}

func without(members []string, id string) []string {
	rest := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			rest = append(rest, m)
		}
	}
	return rest
}
