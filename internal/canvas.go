package internal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCanvasName = "Untitled Canvas"
	canvasIDAttempts  = 10
)

type Stroke struct {
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
}

type Canvas struct {
	ID          string    `json:"canvasId"`
	Name        string    `json:"name"`
	DrawingData []Stroke  `json:"drawingData"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CanvasOracle answers whether a canvas exists.
type CanvasOracle interface {
	Exists(ctx context.Context, canvasID string) (bool, error)
}

// SnapshotStore keeps the segments drawn on a canvas since its last clear.
type SnapshotStore interface {
	AppendSegment(ctx context.Context, canvasID string, segment DrawingData) error
	Segments(ctx context.Context, canvasID string) ([]DrawingData, error)
	ClearSegments(ctx context.Context, canvasID string) error
}

type CanvasStore interface {
	CanvasOracle
	SnapshotStore
	Create(ctx context.Context, name string, strokes []Stroke) (*Canvas, error)
	Get(ctx context.Context, canvasID string) (*Canvas, error)
}

func newCanvasID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type MemoryCanvasStore struct {
	mu       sync.RWMutex
	canvases map[string]*Canvas
	segments map[string][]DrawingData
	limit    int
	newID    func() (string, error)
}

// NewMemoryCanvasStore keeps at most limit segments per canvas; limit <= 0
// means unbounded.
func NewMemoryCanvasStore(limit int) *MemoryCanvasStore {
	return &MemoryCanvasStore{
		canvases: make(map[string]*Canvas),
		segments: make(map[string][]DrawingData),
		limit:    limit,
		newID:    newCanvasID,
	}
}

func (s *MemoryCanvasStore) Create(_ context.Context, name string, strokes []Stroke) (*Canvas, error) {
	if name == "" {
		name = defaultCanvasName
	}
	if strokes == nil {
		strokes = []Stroke{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < canvasIDAttempts; i++ {
		id, err := s.newID()
		if err != nil {
			return nil, err
		}
		if _, taken := s.canvases[id]; taken {
			continue
		}

		now := time.Now().UTC()
		canvas := &Canvas{ID: id, Name: name, DrawingData: strokes, CreatedAt: now, UpdatedAt: now}
		s.canvases[id] = canvas
		c := *canvas
		return &c, nil
	}

	return nil, errors.New("could not allocate a canvas id")
}

func (s *MemoryCanvasStore) Get(_ context.Context, canvasID string) (*Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canvas, ok := s.canvases[canvasID]
	if !ok {
		return nil, ErrCanvasNotFound
	}
	c := *canvas
	return &c, nil
}

func (s *MemoryCanvasStore) Exists(_ context.Context, canvasID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.canvases[canvasID]
	return ok, nil
}

func (s *MemoryCanvasStore) AppendSegment(_ context.Context, canvasID string, segment DrawingData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments := append(s.segments[canvasID], segment)
	if s.limit > 0 && len(segments) > s.limit {
		segments = segments[len(segments)-s.limit:]
	}
	s.segments[canvasID] = segments
	if canvas, ok := s.canvases[canvasID]; ok {
		canvas.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryCanvasStore) Segments(_ context.Context, canvasID string) ([]DrawingData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := make([]DrawingData, len(s.segments[canvasID]))
	copy(segments, s.segments[canvasID])
	return segments, nil
}

func (s *MemoryCanvasStore) ClearSegments(_ context.Context, canvasID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.segments, canvasID)
	return nil
}

// RedisCanvasStore keeps canvas metadata in a hash and the segment log in a
// capped list next to it.
type RedisCanvasStore struct {
	rdb    *redis.Client
	prefix string
	limit  int
	newID  func() (string, error)
}

func NewRedisCanvasStore(rdb *redis.Client, prefix string, limit int) *RedisCanvasStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisCanvasStore{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		newID:  newCanvasID,
	}
}

func (s *RedisCanvasStore) canvasKey(canvasID string) string {
	return fmt.Sprintf("%v:canvas:%v", s.prefix, canvasID)
}

func (s *RedisCanvasStore) segmentsKey(canvasID string) string {
	return fmt.Sprintf("%v:canvas:%v:segments", s.prefix, canvasID)
}

func (s *RedisCanvasStore) Create(ctx context.Context, name string, strokes []Stroke) (*Canvas, error) {
	if name == "" {
		name = defaultCanvasName
	}
	if strokes == nil {
		strokes = []Stroke{}
	}

	bStrokes, err := json.Marshal(strokes)
	if err != nil {
		return nil, err
	}

	for i := 0; i < canvasIDAttempts; i++ {
		id, err := s.newID()
		if err != nil {
			return nil, err
		}

		key := s.canvasKey(id)
		claimed, err := s.rdb.HSetNX(ctx, key, "name", name).Result()
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		now := time.Now().UTC()
		data := map[string]any{
			"created": now.UnixMilli(),
			"updated": now.UnixMilli(),
			"strokes": string(bStrokes),
		}
		if err := s.rdb.HSet(ctx, key, data).Err(); err != nil {
			return nil, err
		}

		return &Canvas{ID: id, Name: name, DrawingData: strokes, CreatedAt: now, UpdatedAt: now}, nil
	}

	return nil, errors.New("could not allocate a canvas id")
}

func (s *RedisCanvasStore) Get(ctx context.Context, canvasID string) (*Canvas, error) {
	res, err := s.rdb.HGetAll(ctx, s.canvasKey(canvasID)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrCanvasNotFound
	}

	canvas := &Canvas{ID: canvasID, Name: res["name"], DrawingData: []Stroke{}}
	if raw := res["strokes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &canvas.DrawingData); err != nil {
			return nil, fmt.Errorf("decode strokes of %v: %w", canvasID, err)
		}
	}
	canvas.CreatedAt = millis(res["created"])
	canvas.UpdatedAt = millis(res["updated"])

	return canvas, nil
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *RedisCanvasStore) Exists(ctx context.Context, canvasID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.canvasKey(canvasID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisCanvasStore) AppendSegment(ctx context.Context, canvasID string, segment DrawingData) error {
	b, err := json.Marshal(segment)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.segmentsKey(canvasID), b)
		if s.limit > 0 {
			pipe.LTrim(ctx, s.segmentsKey(canvasID), int64(-s.limit), -1)
		}
		return nil
	})
	return err
}

func (s *RedisCanvasStore) Segments(ctx context.Context, canvasID string) ([]DrawingData, error) {
	res, err := s.rdb.LRange(ctx, s.segmentsKey(canvasID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	segments := make([]DrawingData, 0, len(res))
	for _, raw := range res {
		segment := DrawingData{}
		if err := json.Unmarshal([]byte(raw), &segment); err != nil {
			return nil, fmt.Errorf("decode segment of %v: %w", canvasID, err)
		}
		segments = append(segments, segment)
	}

	return segments, nil
}

func (s *RedisCanvasStore) ClearSegments(ctx context.Context, canvasID string) error {
	return s.rdb.Del(ctx, s.segmentsKey(canvasID)).Err()
}
