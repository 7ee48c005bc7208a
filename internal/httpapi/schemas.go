package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaSavePage        = "save_page.json"
	schemaQueueAnnotation = "queue_annotation.json"
	schemaLinkClicked     = "link_clicked.json"
	schemaNavigated       = "navigated.json"
	schemaAutoSave        = "auto_save.json"
	schemaReadingRange    = "reading_range.json"
	schemaSettings        = "settings.json"
)

var schemaSources = map[string]string{
	schemaSavePage: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"projects": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"capturedHtml": {"type": "string"},
			"tabId": {"type": "integer", "minimum": 0},
			"armAutoSave": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	schemaQueueAnnotation: `{
		"type": "object",
		"required": ["url", "highlight"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"highlight": {
				"type": "object",
				"required": ["text", "color"],
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"comment": {"type": "string"},
					"color": {"enum": ["yellow", "green", "blue", "pink", "orange"]},
					"position": {
						"type": "object",
						"properties": {
							"xpath": {"type": "string"},
							"offset": {"type": "integer", "minimum": 0},
							"length": {"type": "integer", "minimum": 0},
							"selector": {"type": "string"}
						},
						"additionalProperties": false
					}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	schemaLinkClicked: `{
		"type": "object",
		"required": ["targetUrl"],
		"properties": {
			"targetUrl": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	schemaNavigated: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	schemaAutoSave: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"capturedHtml": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	schemaSettings: `{
		"type": "object",
		"properties": {
			"defaultProjects": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"countdownSeconds": {"type": "integer", "minimum": 0, "maximum": 60},
			"captureSpoolDir": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	schemaReadingRange: `{
		"type": "object",
		"required": ["url", "start", "end", "docLength"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"start": {"type": "integer", "minimum": 0},
			"end": {"type": "integer", "minimum": 0},
			"docLength": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
}

// requestValidator holds the compiled request schemas. Sources are embedded
// string literals, so compilation failure is a programming error and panics
// at construction.
type requestValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newRequestValidator() *requestValidator {
	compiler := jsonschema.NewCompiler()
	for name, source := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			panic(fmt.Sprintf("parse schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", name, err))
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name := range schemaSources {
		schema, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", name, err))
		}
		schemas[name] = schema
	}
	return &requestValidator{schemas: schemas}
}

func (v *requestValidator) validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(instance)
}
