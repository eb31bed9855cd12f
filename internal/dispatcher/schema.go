package dispatcher

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/datadvance/pRouter/internal/apierr"
)

// Schemas for the two dispatcher request bodies that accept arbitrary
// client input, ported verbatim from
// original_source/prouter/handlers/jobs.py (SCHEMA_JOB_CREATE,
// SCHEMA_JOB_START).
const jobCreateSchemaJSON = `{
  "type": "object",
  "properties": {
    "agent": {
      "oneOf": [
        {
          "type": "object",
          "properties": {
            "type": {"type": "string", "enum": ["uid"]},
            "uid": {"type": "string"}
          },
          "additionalProperties": false,
          "required": ["type", "uid"]
        },
        {
          "type": "object",
          "properties": {
            "type": {"type": "string", "enum": ["address"]},
            "address": {"type": "string"},
            "token": {"type": "string"}
          },
          "additionalProperties": false,
          "required": ["type", "address", "token"]
        },
        {
          "type": "object",
          "properties": {
            "type": {"type": "string", "enum": ["select"]},
            "runtimes": {
              "type": "array",
              "items": {
                "type": "object",
                "properties": {
                  "uid": {"type": "string"},
                  "platform": {
                    "type": "array",
                    "items": {"type": "object"}
                  },
                  "jobenv": {
                    "type": "array",
                    "items": {
                      "type": "object",
                      "properties": {
                        "guid": {"type": "string"},
                        "version": {"type": "string"}
                      },
                      "additionalProperties": false,
                      "required": ["guid", "version"]
                    }
                  }
                },
                "additionalProperties": false,
                "required": ["uid", "platform", "jobenv"]
              }
            }
          },
          "additionalProperties": false,
          "required": ["type", "runtimes"]
        }
      ]
    },
    "name": {"type": "string"}
  },
  "additionalProperties": false,
  "required": ["agent", "name"]
}`

const jobStartSchemaJSON = `{
  "type": "object",
  "properties": {
    "args": {
      "type": "array",
      "items": {"type": "string"}
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "cwd": {"type": ["string", "null"]},
    "port_expected_count": {"type": "integer", "minimum": 0},
    "forward_stdout": {"type": "boolean"}
  },
  "additionalProperties": false,
  "required": ["args", "env"]
}`

var jobCreateSchema = mustCompile("job_create.json", jobCreateSchemaJSON)
var jobStartSchema = mustCompile("job_start.json", jobStartSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(err)
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return s
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return apierr.InvalidRequest("malformed JSON body: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return apierr.Schema(err)
	}
	return nil
}
