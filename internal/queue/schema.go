// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "https://chatbridge.local/schemas/job-envelope.json"

// envelopeSchema constrains every job written to Redis. Lane-specific
// payload requirements are expressed with if/then so a malformed payload
// is rejected at enqueue time instead of failing on every attempt.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "lane", "natural_key", "enqueued_at", "payload"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "lane": {"enum": ["email-in", "chat-in"]},
    "natural_key": {"type": "string", "minLength": 1},
    "trace_id": {"type": "string"},
    "enqueued_at": {"type": "string"},
    "payload": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"lane": {"const": "email-in"}}},
      "then": {"properties": {"payload": {
        "required": ["message_id", "from"],
        "properties": {
          "message_id": {"type": "string", "minLength": 1},
          "from": {"type": "object", "required": ["address"]},
          "to": {"type": ["array", "null"]},
          "attachments": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["filename"]
            }
          }
        }
      }}}
    },
    {
      "if": {"properties": {"lane": {"const": "chat-in"}}},
      "then": {"properties": {"payload": {
        "required": ["team_id", "channel", "ts"],
        "properties": {
          "team_id": {"type": "string", "minLength": 1},
          "channel": {"type": "string", "minLength": 1},
          "ts": {"type": "string", "minLength": 1},
          "files": {"type": ["array", "null"]}
        }
      }}}
    }
  ]
}`

// compileEnvelopeSchema compiles the job envelope schema once per queue.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	sch, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return sch, nil
}

func validateEnvelope(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	return sch.Validate(inst)
}
