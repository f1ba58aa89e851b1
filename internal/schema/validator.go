// internal/schema/validator.go
// Package schema provides JSON schema validation for registry request bodies.
// Every write request is checked against its schema before it reaches the registry.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request schema names.
const (
	RegisterDevice       = "com.registryaccord.iot.device"
	RegisterStream       = "com.registryaccord.iot.stream"
	RequestAccess        = "com.registryaccord.iot.access"
	UpdatePlatformFee    = "com.registryaccord.iot.admin.platformFee"
	UpdateMinAccessPrice = "com.registryaccord.iot.admin.minAccessPrice"
	FundAccount          = "com.registryaccord.iot.admin.fund"
)

// SchemaVersions maps schema names to their current versions.
var SchemaVersions = map[string]string{
	RegisterDevice:       "1.0.0",
	RegisterStream:       "1.0.0",
	RequestAccess:        "1.0.0",
	UpdatePlatformFee:    "1.0.0",
	UpdateMinAccessPrice: "1.0.0",
	FundAccount:          "1.0.0",
}

// maxAmount is the largest integer the PostgreSQL BIGINT columns hold.
const maxAmount = "9223372036854775807"

// Identifiers are caller supplied; keep them printable and bounded.
const idPattern = `^[A-Za-z0-9][A-Za-z0-9._:-]{0,63}$`

var schemaSources = map[string]string{
	RegisterDevice: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["deviceId", "name", "deviceType", "manufacturer", "firmwareVersion"],
		"properties": {
			"deviceId":        {"type": "string", "pattern": "` + idPattern + `"},
			"name":            {"type": "string", "minLength": 1, "maxLength": 128},
			"deviceType":      {"type": "string", "minLength": 1, "maxLength": 64},
			"manufacturer":    {"type": "string", "minLength": 1, "maxLength": 128},
			"firmwareVersion": {"type": "string", "minLength": 1, "maxLength": 32},
			"location":        {"type": "string", "maxLength": 128}
		}
	}`,
	RegisterStream: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["streamId", "deviceId", "streamType", "dataFormat", "updateFrequency", "pricePerAccess"],
		"properties": {
			"streamId":             {"type": "string", "pattern": "` + idPattern + `"},
			"deviceId":             {"type": "string", "pattern": "` + idPattern + `"},
			"streamType":           {"type": "string", "minLength": 1, "maxLength": 64},
			"description":          {"type": "string", "maxLength": 256},
			"dataFormat":           {"type": "string", "minLength": 1, "maxLength": 32},
			"updateFrequency":      {"type": "integer", "minimum": 0, "maximum": ` + maxAmount + `},
			"pricePerAccess":       {"type": "integer", "minimum": 0, "maximum": ` + maxAmount + `},
			"requiresVerification": {"type": "boolean"}
		}
	}`,
	RequestAccess: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["duration"],
		"properties": {
			"duration": {"type": "integer", "minimum": 1, "maximum": ` + maxAmount + `}
		}
	}`,
	UpdatePlatformFee: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["rateBps"],
		"properties": {
			"rateBps": {"type": "integer", "minimum": 0, "maximum": 10000}
		}
	}`,
	UpdateMinAccessPrice: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["price"],
		"properties": {
			"price": {"type": "integer", "minimum": 0, "maximum": ` + maxAmount + `}
		}
	}`,
	FundAccount: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["principal", "amount"],
		"properties": {
			"principal": {"type": "string", "minLength": 1, "maxLength": 256},
			"amount":    {"type": "integer", "minimum": 1, "maximum": ` + maxAmount + `}
		}
	}`,
}

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	Schema string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of schema names to compiled schemas
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemaSources))}
	for name, src := range schemaSources {
		if err := v.loadSchema(name, src); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles a single schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks the raw JSON document against the named schema and returns the
// schema version used. Violations are reported as *ValidationError.
func (v *Validator) Validate(name string, document []byte) (string, error) {
	schema, exists := v.schemas[name]
	if !exists {
		return "", fmt.Errorf("unsupported schema: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		// Malformed JSON ends up here
		return "", &ValidationError{Schema: name, Issues: []string{err.Error()}}
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return "", &ValidationError{Schema: name, Issues: issues}
	}

	return SchemaVersions[name], nil
}
