// Package schema validates the collections document that configures which
// collections store their files remotely.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// collectionsSchema accepts every shape the configuration normalizer accepts:
// true, a folder path string, or an options object with passthrough keys.
const collectionsSchema = `{
  "type": "object",
  "required": ["collections"],
  "properties": {
    "collections": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "oneOf": [
          {"type": "boolean", "enum": [true]},
          {"type": "string", "minLength": 1},
          {"type": "null"},
          {"$ref": "#/definitions/collection"}
        ]
      }
    }
  },
  "definitions": {
    "params": {"type": "object"},
    "collection": {
      "type": "object",
      "properties": {
        "resourceType": {"enum": ["image", "video", "raw", "auto"]},
        "useFilename": {"type": "boolean"},
        "uniqueFilename": {"type": "boolean"},
        "deleteFromCloudinary": {"type": "boolean"},
        "deleteOnRemove": {"type": "boolean"},
        "enableDynamicFolders": {"type": "boolean"},
        "folderField": {"type": "string"},
        "folder": {
          "oneOf": [
            {"type": "string"},
            {
              "type": "object",
              "properties": {
                "path": {"type": "string"},
                "enableDynamic": {"type": "boolean"},
                "fieldName": {"type": "string"},
                "useFolderSelect": {"type": "boolean"},
                "skipFieldCreation": {"type": "boolean"}
              }
            }
          ]
        },
        "transformations": {"$ref": "#/definitions/params"},
        "transformationPresets": {
          "oneOf": [
            {"type": "array", "items": {"$ref": "#/definitions/preset"}},
            {"type": "object", "additionalProperties": {"$ref": "#/definitions/params"}}
          ]
        },
        "enablePresetSelection": {"type": "boolean"},
        "presetField": {"type": "string"},
        "uploadQueue": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "maxConcurrentUploads": {"type": "integer", "minimum": 1},
            "chunkSize": {"type": "number", "minimum": 0},
            "enableChunkedUploads": {"type": "boolean"},
            "largeFileThreshold": {"type": "number", "minimum": 0}
          }
        },
        "privateFiles": {"$ref": "#/definitions/privacy"},
        "signedURLs": {"$ref": "#/definitions/privacy"}
      }
    },
    "preset": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "label": {"type": "string"},
        "description": {"type": "string"},
        "transformations": {"$ref": "#/definitions/params"}
      }
    },
    "privacy": {
      "oneOf": [
        {"type": "boolean"},
        {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "expiresIn": {"type": "integer", "minimum": 1},
            "authTypes": {"type": "array", "items": {"type": "string"}},
            "includeTransformations": {"type": "boolean"},
            "useAuthToken": {"type": "boolean"}
          }
        }
      ]
    }
  }
}`

// Validator validates collections documents against the embedded schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the collections schema.
func NewValidator() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(collectionsSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid collections schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks a decoded collections document. The error lists every
// violation found.
func (v *Validator) Validate(doc any) error {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
