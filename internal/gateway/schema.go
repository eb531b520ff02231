package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("frame_request", requestFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.request = reqSchema

		methods := map[string]string{
			"connect":         connectParamsSchema,
			"chat.send":       chatSendParamsSchema,
			"chat.history":    sessionKeyParamsSchema,
			"chat.abort":      sessionKeyParamsSchema,
			"sessions.get":    sessionKeyRequiredParamsSchema,
			"sessions.delete": sessionKeyRequiredParamsSchema,
			"cron.add":        cronAddParamsSchema,
			"cron.update":     cronUpdateParamsSchema,
			"cron.remove":     jobIDParamsSchema,
			"cron.run":        cronRunParamsSchema,
			"cron.runs":       jobIDParamsSchema,
			"memory.search":   memorySearchParamsSchema,
			"memory.get":      memoryGetParamsSchema,
		}

		frameSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("frame_method_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.methods[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateRequestFrame checks the frame envelope, then the per-method
// params schema when one is registered. Methods without a schema accept
// any params object.
func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	return nil
}

// validateMethodParams checks only the per-method params schema. The
// caller distinguishes envelope failures (INVALID_FRAME) from params
// failures (MISSING_PARAMS).
func validateMethodParams(method string, params json.RawMessage) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	schema := frameSchemas.methods[method]
	if schema == nil {
		return nil
	}
	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "version": { "type": "string" },
        "platform": { "type": "string" },
        "role": { "type": "string", "enum": ["operator", "node"] }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "sessionKey": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "thinking": { "type": "string", "enum": ["off", "low", "medium", "high"] },
    "timeout": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const sessionKeyRequiredParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const cronAddParamsSchema = `{
  "type": "object",
  "required": ["schedule", "prompt"],
  "properties": {
    "name": { "type": "string" },
    "schedule": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["at", "every", "cron"] },
        "at": { "type": "string" },
        "every": { "type": "string" },
        "expr": { "type": "string" },
        "timezone": { "type": "string" }
      },
      "additionalProperties": false
    },
    "prompt": { "type": "string", "minLength": 1 },
    "sessionTarget": { "type": "string", "enum": ["main", "isolated"] },
    "wakeMode": { "type": "string", "enum": ["now", "next-heartbeat"] },
    "announce": { "type": "boolean" },
    "target": { "type": "string" },
    "bestEffort": { "type": "boolean" },
    "deleteAfterRun": { "type": "boolean" },
    "model": { "type": "string" },
    "thinking": { "type": "string" },
    "timeout": { "type": "string" }
  },
  "additionalProperties": true
}`

const cronUpdateParamsSchema = `{
  "type": "object",
  "required": ["jobId"],
  "properties": {
    "jobId": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "enabled": { "type": "boolean" },
    "prompt": { "type": "string", "minLength": 1 },
    "schedule": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["at", "every", "cron"] },
        "at": { "type": "string" },
        "every": { "type": "string" },
        "expr": { "type": "string" },
        "timezone": { "type": "string" }
      },
      "additionalProperties": false
    },
    "target": { "type": "string" },
    "announce": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const jobIDParamsSchema = `{
  "type": "object",
  "required": ["jobId"],
  "properties": {
    "jobId": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 100 }
  },
  "additionalProperties": true
}`

const cronRunParamsSchema = `{
  "type": "object",
  "required": ["jobId"],
  "properties": {
    "jobId": { "type": "string", "minLength": 1 },
    "mode": { "type": "string", "enum": ["force", "due"] }
  },
  "additionalProperties": true
}`

const memorySearchParamsSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 50 }
  },
  "additionalProperties": true
}`

const memoryGetParamsSchema = `{
  "type": "object",
  "required": ["file"],
  "properties": {
    "file": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
