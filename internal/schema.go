package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemas struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	events   map[EventType]*jsonschema.Schema
	canvas   *jsonschema.Schema
}

var schemas frameSchemas

func initSchemas() error {
	schemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("envelope.json", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = envelope

		canvas, err := jsonschema.CompileString("create-canvas.json", createCanvasSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.canvas = canvas

		events := map[EventType]string{
			EventJoinCanvas:  joinCanvasSchema,
			EventDraw:        drawSchema,
			EventClear:       emptySchema,
			EventLeaveCanvas: emptySchema,
			EventPing:        pingSchema,
		}

		schemas.events = make(map[EventType]*jsonschema.Schema, len(events))
		for typ, schema := range events {
			compiled, err := jsonschema.CompileString(string(typ)+".json", schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.events[typ] = compiled
		}
	})
	return schemas.initErr
}

// decodeFrame parses and validates an inbound frame. Any failure is a
// validation error.
func decodeFrame(raw []byte) (*Envelope, error) {
	if err := initSchemas(); err != nil {
		return nil, internalError("schema setup failed", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, validationError("malformed frame: %v", err)
	}
	if err := schemas.envelope.Validate(doc); err != nil {
		return nil, validationError("malformed frame: %v", describe(err))
	}

	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, validationError("malformed frame: %v", err)
	}

	schema, ok := schemas.events[env.Type]
	if !ok {
		return nil, validationError("unknown event type %q", env.Type)
	}

	var data any = map[string]any{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, validationError("invalid %v payload: %v", env.Type, err)
		}
	} else {
		env.Data = json.RawMessage("{}")
	}

	if err := schema.Validate(data); err != nil {
		return nil, validationError("invalid %v payload: %v", env.Type, describe(err))
	}

	return env, nil
}

// decodeCreateCanvas parses and validates a POST /canvas/create body.
func decodeCreateCanvas(raw []byte) (*createCanvasRequest, error) {
	if err := initSchemas(); err != nil {
		return nil, internalError("schema setup failed", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, validationError("invalid canvas body: %v", err)
	}
	if err := schemas.canvas.Validate(doc); err != nil {
		return nil, validationError("invalid canvas body: %v", describe(err))
	}

	req := &createCanvasRequest{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, validationError("invalid canvas body: %v", err)
	}
	return req, nil
}

// describe flattens a schema failure to its deepest cause.
func describe(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%v: %v", strings.ReplaceAll(loc, "/", "."), ve.Message)
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "data": {}
  },
  "additionalProperties": true
}`

const joinCanvasSchema = `{
  "type": "object",
  "required": ["canvasId"],
  "properties": {
    "canvasId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const drawSchema = `{
  "type": "object",
  "required": ["points", "color", "brushSize"],
  "properties": {
    "points": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "required": ["x", "y"],
        "properties": {
          "x": { "type": "number" },
          "y": { "type": "number" }
        }
      }
    },
    "color": { "type": "string", "minLength": 1 },
    "brushSize": { "type": "number", "exclusiveMinimum": 0 },
    "strokeId": { "type": "string" }
  },
  "additionalProperties": true
}`

const createCanvasSchema = `{
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "drawingData": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["points", "color", "brushSize"],
        "properties": {
          "points": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["x", "y"],
              "properties": {
                "x": { "type": "number" },
                "y": { "type": "number" }
              }
            }
          },
          "color": { "type": "string", "minLength": 1 },
          "brushSize": { "type": "number", "exclusiveMinimum": 0 }
        }
      }
    }
  },
  "additionalProperties": true
}`

const pingSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "integer" }
  },
  "additionalProperties": true
}`

const emptySchema = `{
  "type": "object",
  "additionalProperties": true
}`
