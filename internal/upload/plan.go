package upload

import (
	"strings"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
)

// Plan is the remote request derived from a collection's configuration and
// the document fields submitted with the upload.
type Plan struct {
	Options        media.UploadOptions
	Preset         string // Preset that was found and applied
	Private        bool
	RejectedFolder string // Dynamic folder value refused by SanitizeFolder
}

// BuildOptions resolves resource kind, privacy, folder and transformations for
// one upload. It does not modify fields.
func BuildOptions(cfg options.CollectionConfig, fields map[string]any) Plan {
	kind := cfg.ResourceKind
	if kind == "" {
		kind = media.ResourceAuto
	}
	plan := Plan{Options: media.UploadOptions{
		ResourceType:   kind,
		UseFilename:    cfg.UseFilename,
		UniqueFilename: cfg.UniqueFilename,
	}}

	if cfg.Private() {
		plan.Private = true
		plan.Options.Type = media.TypeAuthenticated
		plan.Options.AccessMode = media.TypeAuthenticated
		plan.Options.AccessType = strings.Join(cfg.Privacy.AuthTypes, ",")
	}

	plan.Options.Folder, plan.RejectedFolder = resolveFolder(cfg, fields)

	var preset string
	if field := cfg.PresetField(); field != "" {
		preset = stringField(fields, field)
		if cfg.Transformations != nil {
			if _, ok := transform.Find(cfg.Transformations.Presets, preset); ok {
				plan.Preset = preset
			}
		}
	}
	params := cfg.Transformations.Resolve(plan.Preset, nil)
	if len(params) > 0 {
		if cfg.Transformations.PreserveOriginal {
			plan.Options.Eager = []transform.Params{params}
			plan.Options.EagerAsync = true
		} else {
			plan.Options.Transformation = params
		}
	}
	return plan
}

// resolveFolder prefers the sanitized dynamic field value and falls back to
// the configured path. The second result carries a refused dynamic value.
func resolveFolder(cfg options.CollectionConfig, fields map[string]any) (string, string) {
	if field := cfg.DynamicFolderField(); field != "" {
		if raw := stringField(fields, field); raw != "" {
			if folder, ok := SanitizeFolder(raw); ok {
				if folder != "" {
					return folder, ""
				}
			} else {
				return cfg.DefaultFolder(), raw
			}
		}
	}
	return cfg.DefaultFolder(), ""
}

// SanitizeFolder trims whitespace and slashes, collapses empty and "."
// segments and refuses any value containing a ".." segment.
func SanitizeFolder(raw string) (string, bool) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	var segs []string
	for _, s := range strings.Split(raw, "/") {
		s = strings.TrimSpace(s)
		switch s {
		case "", ".":
			continue
		case "..":
			return "", false
		}
		segs = append(segs, s)
	}
	return strings.Join(segs, "/"), true
}

func stringField(fields map[string]any, name string) string {
	if fields == nil {
		return ""
	}
	s, _ := fields[name].(string)
	return strings.TrimSpace(s)
}
