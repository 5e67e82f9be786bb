package schema

import (
	"strings"
	"testing"
)

func TestValidateAcceptsEveryCollectionShape(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	doc := map[string]any{
		"collections": map[string]any{
			"media":  true,
			"docs":   "documents",
			"videos": nil,
			"photos": map[string]any{
				"resourceType": "image",
				"folder":       map[string]any{"path": "photos", "enableDynamic": true},
				"transformationPresets": []any{
					map[string]any{"name": "thumb", "transformations": map[string]any{"width": 150}},
				},
				"uploadQueue":  map[string]any{"enabled": true, "maxConcurrentUploads": 2},
				"privateFiles": map[string]any{"expiresIn": 600},
				"customKey":    "passed through",
			},
		},
	}
	if err := v.Validate(doc); err != nil {
		t.Errorf("Validate: got %v want nil", err)
	}
}

func TestValidateRejectsInvalidDocuments(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"missing collections", map[string]any{}},
		{"empty collections", map[string]any{"collections": map[string]any{}}},
		{"disabled collection", map[string]any{"collections": map[string]any{"media": false}}},
		{"unknown resource type", map[string]any{"collections": map[string]any{
			"media": map[string]any{"resourceType": "audio"},
		}}},
		{"zero concurrency", map[string]any{"collections": map[string]any{
			"media": map[string]any{"uploadQueue": map[string]any{"maxConcurrentUploads": 0}},
		}}},
		{"preset without name", map[string]any{"collections": map[string]any{
			"media": map[string]any{"transformationPresets": []any{map[string]any{"label": "x"}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.doc)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), "validation failed") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
