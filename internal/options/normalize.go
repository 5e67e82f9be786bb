package options

import (
	"net/http"
	"sort"
	"strings"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
)

// knownKeys are consumed by Normalize; anything else lands in Extra.
var knownKeys = map[string]bool{
	"resourceType":          true,
	"useFilename":           true,
	"uniqueFilename":        true,
	"folder":                true,
	"enableDynamicFolders":  true,
	"folderField":           true,
	"transformations":       true,
	"transformationPresets": true,
	"enablePresetSelection": true,
	"presetField":           true,
	"uploadQueue":           true,
	"privateFiles":          true,
	"signedURLs":            true,
	"deleteFromCloudinary":  true,
	"deleteOnRemove":        true,
}

// structuredTransformationKeys mark a transformations object as structured
// rather than a bag of default parameters.
var structuredTransformationKeys = []string{"default", "presets", "enablePresetSelection", "presetFieldName", "preserveOriginal"}

// Normalize converts any accepted collection configuration into canonical form.
// It accepts true, nil, a folder path string, a map decoded from YAML or JSON,
// or an existing CollectionConfig. It never fails; unusable values fall back to defaults.
func Normalize(raw any) CollectionConfig {
	switch v := raw.(type) {
	case CollectionConfig:
		return Normalize(v.Raw())
	case *CollectionConfig:
		if v == nil {
			return Normalize(nil)
		}
		return Normalize(v.Raw())
	case string:
		if v != "" {
			raw = map[string]any{"folder": v}
		}
	}

	cfg := CollectionConfig{ResourceKind: DefaultResourceKind, DeleteOnRemove: true}
	m, ok := asMap(raw)
	if !ok {
		return cfg
	}

	cfg.ResourceKind = resourceKind(m["resourceType"])
	cfg.UseFilename = optionalBool(m["useFilename"])
	cfg.UniqueFilename = optionalBool(m["uniqueFilename"])
	cfg.Folder = folderPolicy(m)
	cfg.Transformations = transformationPolicy(m)
	cfg.UploadQueue = queueConfig(m["uploadQueue"])
	cfg.Privacy = privacyPolicy(m)
	cfg.DeleteOnRemove = deleteOnRemove(m)

	for k, v := range m {
		if knownKeys[k] {
			continue
		}
		if cfg.Extra == nil {
			cfg.Extra = make(map[string]any)
		}
		cfg.Extra[k] = v
	}
	return cfg
}

// NormalizeAll normalizes every entry of a collections block.
func NormalizeAll(raw map[string]any) Collections {
	out := make(Collections, len(raw))
	for slug, v := range raw {
		out[slug] = Normalize(v)
	}
	return out
}

func resourceKind(v any) string {
	s, _ := v.(string)
	switch s {
	case "image", "video", "raw", "auto":
		return s
	default:
		return DefaultResourceKind
	}
}

func deleteOnRemove(m map[string]any) bool {
	if b, ok := m["deleteFromCloudinary"].(bool); ok {
		return b
	}
	if b, ok := m["deleteOnRemove"].(bool); ok {
		return b
	}
	return true
}

// folderPolicy builds the folder policy from a string path or a structured
// object, then applies the flat enableDynamicFolders/folderField flags on top.
func folderPolicy(m map[string]any) *FolderPolicy {
	var p *FolderPolicy
	switch v := m["folder"].(type) {
	case string:
		p = folderFromPath(v)
	case FolderPolicy:
		c := v
		p = &c
	case *FolderPolicy:
		if v != nil {
			c := *v
			p = &c
		}
	default:
		if fm, ok := asMap(v); ok {
			p = folderFromObject(fm)
		}
	}

	_, hasDynamic := m["enableDynamicFolders"]
	_, hasField := m["folderField"]
	if p == nil && (hasDynamic || hasField) {
		p = &FolderPolicy{}
	}
	if p == nil {
		return nil
	}
	applyFlatFolderFlags(p, m)
	if p.FieldName == "" {
		p.FieldName = DefaultFolderField
	}
	return p
}

func folderFromPath(path string) *FolderPolicy {
	return &FolderPolicy{Path: path}
}

func folderFromObject(m map[string]any) *FolderPolicy {
	return &FolderPolicy{
		Path:              stringValue(m["path"]),
		EnableDynamic:     boolValue(m["enableDynamic"]),
		FieldName:         stringValue(m["fieldName"]),
		UseFolderSelect:   boolValue(m["useFolderSelect"]),
		SkipFieldCreation: boolValue(m["skipFieldCreation"]),
	}
}

func applyFlatFolderFlags(p *FolderPolicy, m map[string]any) {
	if b, ok := m["enableDynamicFolders"].(bool); ok {
		p.EnableDynamic = b
	}
	if s, ok := m["folderField"].(string); ok && s != "" {
		p.FieldName = s
	}
}

// transformationPolicy builds the transformation policy from a parameter bag or
// a structured object, then applies the flat preset keys on top.
func transformationPolicy(m map[string]any) *TransformationPolicy {
	var p *TransformationPolicy
	switch v := m["transformations"].(type) {
	case TransformationPolicy:
		c := v
		p = &c
	case *TransformationPolicy:
		if v != nil {
			c := *v
			p = &c
		}
	default:
		if tm, ok := asMap(v); ok {
			if isStructuredTransformations(tm) {
				p = transformationsFromObject(tm)
			} else {
				p = transformationsFromParams(tm)
			}
		}
	}

	_, hasPresets := m["transformationPresets"]
	_, hasSelection := m["enablePresetSelection"]
	_, hasField := m["presetField"]
	if p == nil && (hasPresets || hasSelection || hasField) {
		p = &TransformationPolicy{}
	}
	if p == nil {
		return nil
	}
	applyFlatTransformationKeys(p, m)
	if p.PresetFieldName == "" {
		p.PresetFieldName = DefaultPresetField
	}
	return p
}

func isStructuredTransformations(m map[string]any) bool {
	for _, k := range structuredTransformationKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func transformationsFromParams(m map[string]any) *TransformationPolicy {
	return &TransformationPolicy{Default: transform.Params(m).Clone()}
}

func transformationsFromObject(m map[string]any) *TransformationPolicy {
	p := &TransformationPolicy{
		Presets:               presets(m["presets"]),
		EnablePresetSelection: boolValue(m["enablePresetSelection"]),
		PresetFieldName:       stringValue(m["presetFieldName"]),
		PreserveOriginal:      boolValue(m["preserveOriginal"]),
	}
	if dm, ok := asMap(m["default"]); ok {
		p.Default = transform.Params(dm).Clone()
	}
	return p
}

func applyFlatTransformationKeys(p *TransformationPolicy, m map[string]any) {
	if v, ok := m["transformationPresets"]; ok {
		p.Presets = presets(v)
	}
	if b, ok := m["enablePresetSelection"].(bool); ok {
		p.EnablePresetSelection = b
	}
	if s, ok := m["presetField"].(string); ok && s != "" {
		p.PresetFieldName = s
	}
}

// presets accepts a list of preset objects or a name to parameters map.
func presets(v any) []transform.Preset {
	switch t := v.(type) {
	case []transform.Preset:
		return append([]transform.Preset(nil), t...)
	case []any:
		out := make([]transform.Preset, 0, len(t))
		for _, item := range t {
			if p, ok := item.(transform.Preset); ok {
				out = append(out, p)
				continue
			}
			pm, ok := asMap(item)
			if !ok {
				continue
			}
			name := stringValue(pm["name"])
			if name == "" {
				continue
			}
			params, _ := asMap(pm["transformations"])
			out = append(out, transform.Preset{
				Name:        name,
				Label:       stringValue(pm["label"]),
				Description: stringValue(pm["description"]),
				Params:      transform.Params(params).Clone(),
			})
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	pm, ok := asMap(v)
	if !ok || len(pm) == 0 {
		return nil
	}
	names := make([]string, 0, len(pm))
	for name := range pm {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]transform.Preset, 0, len(names))
	for _, name := range names {
		params, _ := asMap(pm[name])
		out = append(out, transform.Preset{Name: name, Params: transform.Params(params).Clone()})
	}
	return out
}

// queueConfig reads the upload queue block. The queue is only enabled when
// enabled is explicitly true.
func queueConfig(v any) *queue.Config {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		c := queue.DefaultConfig()
		c.Enabled = t
		return &c
	case queue.Config:
		c := t.WithDefaults()
		return &c
	case *queue.Config:
		if t == nil {
			return nil
		}
		c := t.WithDefaults()
		return &c
	}
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	c := queue.DefaultConfig()
	c.Enabled = boolValue(m["enabled"])
	if n, ok := intValue(m["maxConcurrentUploads"]); ok && n > 0 {
		c.MaxConcurrentUploads = n
	}
	if n, ok := intValue(m["chunkSize"]); ok && n > 0 {
		c.ChunkSizeMB = n
	}
	if b, ok := m["enableChunkedUploads"].(bool); ok {
		c.EnableChunkedUploads = b
	}
	if n, ok := intValue(m["largeFileThreshold"]); ok && n > 0 {
		c.LargeFileThresholdMB = n
	}
	return &c
}

// privacyPolicy reads privateFiles, or the older signedURLs key which takes
// precedence when set. A disabled policy normalizes to nil.
func privacyPolicy(m map[string]any) *PrivacyPolicy {
	v := m["privateFiles"]
	if legacy, ok := m["signedURLs"]; ok && truthy(legacy) {
		v = legacy
	}

	var p *PrivacyPolicy
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if !t {
			return nil
		}
		p = &PrivacyPolicy{Enabled: true, ExpiresIn: DefaultExpiresIn, IncludeTransformations: true, UseAuthToken: true}
	case PrivacyPolicy:
		c := t
		p = &c
	case *PrivacyPolicy:
		if t == nil {
			return nil
		}
		c := *t
		p = &c
	default:
		pm, ok := asMap(v)
		if !ok {
			return nil
		}
		p = privacyFromObject(pm)
	}

	if !p.Enabled {
		return nil
	}
	if p.ExpiresIn <= 0 {
		p.ExpiresIn = DefaultExpiresIn
	}
	return p
}

// privacyFromObject treats a present object as an opt-in unless enabled is
// explicitly false.
func privacyFromObject(m map[string]any) *PrivacyPolicy {
	p := &PrivacyPolicy{
		Enabled:                true,
		ExpiresIn:              DefaultExpiresIn,
		AuthTypes:              stringSlice(m["authTypes"]),
		IncludeTransformations: true,
		UseAuthToken:           true,
	}
	if b, ok := m["enabled"].(bool); ok {
		p.Enabled = b
	}
	if n, ok := intValue(m["expiresIn"]); ok {
		p.ExpiresIn = n
	}
	if b, ok := m["includeTransformations"].(bool); ok {
		p.IncludeTransformations = b
	}
	if b, ok := m["useAuthToken"].(bool); ok {
		p.UseAuthToken = b
	}
	switch fn := m["customAuthCheck"].(type) {
	case AuthCheck:
		p.CustomAuthCheck = fn
	case func(*http.Request, model.Asset) (bool, error):
		p.CustomAuthCheck = fn
	}
	return p
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case transform.Params:
		return map[string]any(t), true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

func optionalBool(v any) *bool {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil
		}
		return append([]string(nil), t...)
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
