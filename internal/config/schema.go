package config

import (
	"bytes"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchemaJSON mirrors prouter/config/schemas.py's CONFIG schema:
// identity/server/control/client sections with the exact keys spec.md
// §6.3 documents.
const configSchemaJSON = `{
  "type": "object",
  "properties": {
    "identity": {
      "type": "object",
      "properties": {
        "uid": {"type": ["string", "null"]},
        "name": {"type": "string"}
      },
      "additionalProperties": false
    },
    "server": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "interface": {"type": "string"},
        "port": {"type": "integer"},
        "accept_tokens": {
          "type": "array",
          "items": {"type": "string"}
        }
      },
      "additionalProperties": false
    },
    "control": {
      "type": "object",
      "properties": {
        "interface": {"type": "string"},
        "port": {"type": "integer"}
      },
      "additionalProperties": false
    },
    "client": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "polling_delay": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var configSchema = mustCompileSchema("config.json", configSchemaJSON)

func mustCompileSchema(name, src string) *jsonschema.Schema {
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

func validateSchema(doc map[string]any) error {
	return configSchema.Validate(doc)
}
