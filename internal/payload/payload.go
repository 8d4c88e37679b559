// Package payload builds the JSON bodies uploaded for each fetched sample.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/health"
)

const schemaURL = "vitalsync://payload/upload.json"

const uploadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "source", "displayName"],
  "additionalProperties": false,
  "properties": {
    "id":          {"type": "string", "minLength": 1},
    "type":        {"type": "string", "minLength": 1},
    "source":      {"type": "string", "minLength": 1},
    "displayName": {"type": "string", "minLength": 1}
  }
}`

var schema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(uploadSchema))
	if err != nil {
		panic(fmt.Sprintf("payload: parse schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("payload: add schema: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("payload: compile schema: %v", err))
	}
	return s
}

// Body is the wire shape posted to the upload endpoint
type Body struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	DisplayName string `json:"displayName"`
}

// UploadPayload is one sample's upload unit. The Uploader owns it from
// enqueue onward; Attempt counts network attempts.
type UploadPayload struct {
	PayloadID uuid.UUID
	MetricID  string
	Body      []byte
	Attempt   int
	CreatedAt time.Time
}

// Build serializes sample for desc and validates the result
func Build(desc catalog.MetricDescriptor, sample health.Sample) (UploadPayload, error) {
	body, err := json.Marshal(Body{
		ID:          sample.ID,
		Type:        desc.UploadType(),
		Source:      sample.Unit,
		DisplayName: sample.SourceName,
	})
	if err != nil {
		return UploadPayload{}, fmt.Errorf("marshal payload for %s: %w", desc.ID, err)
	}

	if err := Validate(body); err != nil {
		return UploadPayload{}, fmt.Errorf("invalid payload for %s: %w", desc.ID, err)
	}

	return UploadPayload{
		PayloadID: uuid.New(),
		MetricID:  desc.ID,
		Body:      body,
		CreatedAt: time.Now(),
	}, nil
}

// Validate checks body against the upload schema
func Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
