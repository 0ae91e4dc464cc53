package config

import (
	"encoding/json"
	"testing"
)

func TestGenerateSchema(t *testing.T) {
	t.Parallel()

	schema := GenerateSchema()

	if schema.Schema != "https://json-schema.org/draft/2020-12/schema" {
		t.Errorf("Schema = %s, want draft/2020-12", schema.Schema)
	}
	if schema.Type != "object" {
		t.Errorf("Type = %s, want object", schema.Type)
	}

	expected := []string{"name", "logging", "rate_limit", "archive", "content", "index", "cache", "sweep", "ingest", "resilience"}
	for _, prop := range expected {
		if _, ok := schema.Properties[prop]; !ok {
			t.Errorf("missing property: %s", prop)
		}
	}

	backend := schema.Properties["content"].Properties["backend"]
	if len(backend.Enum) != 5 {
		t.Errorf("content.backend enum = %v, want 5 values", backend.Enum)
	}
	if backend.Default != "filesystem" {
		t.Errorf("content.backend default = %v", backend.Default)
	}

	grace := schema.Properties["sweep"].Properties["grace_period"]
	if grace.Default != "1h0m0s" || grace.Format != "duration" {
		t.Errorf("sweep.grace_period = %+v", grace)
	}
}

func TestSchemaJSON(t *testing.T) {
	t.Parallel()

	out, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if decoded["title"] != "CassetteDeck Configuration" {
		t.Errorf("title = %v", decoded["title"])
	}
}
