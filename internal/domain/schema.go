// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"reflect"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

var (
	uuidType       = reflect.TypeOf(uuid.UUID{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// PayloadSchema returns the JSON Schema of eventType's payload.
func PayloadSchema(eventType EventType) (*jsonschema.Schema, bool) {
	payload, ok := NewPayload(eventType)
	if !ok {
		return nil, false
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Mapper:                    schemaMapper,
	}
	schema := reflector.Reflect(payload)
	schema.Title = string(eventType)
	return schema, true
}

func schemaMapper(t reflect.Type) *jsonschema.Schema {
	switch t {
	case uuidType:
		return &jsonschema.Schema{Type: "string", Format: "uuid"}
	case rawMessageType:
		// Any JSON value.
		return &jsonschema.Schema{}
	}
	return nil
}
