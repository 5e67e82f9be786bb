// Package options holds the canonical per-collection storage configuration.
// Every accepted input shape is converted once by Normalize; nothing downstream
// looks at the raw form.
package options

import (
	"net/http"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
)

// Field names used when a collection does not pick its own.
const (
	DefaultFolderField  = "cloudinaryFolder"
	DefaultPresetField  = "transformationPreset"
	DefaultExpiresIn    = 3600
	DefaultResourceKind = "auto"
)

// FolderPolicy decides which remote folder an upload lands in.
type FolderPolicy struct {
	Path              string // Default folder ("" is the root)
	EnableDynamic     bool   // Allow a document field to override Path
	FieldName         string // Document field carrying the override
	UseFolderSelect   bool   // Offer existing remote folders as choices
	SkipFieldCreation bool   // The host defines the field itself
}

// TransformationPolicy holds default and preset transformation parameters.
type TransformationPolicy struct {
	Default               transform.Params
	Presets               []transform.Preset
	EnablePresetSelection bool
	PresetFieldName       string
	PreserveOriginal      bool // Apply as eager renditions, keep the original untouched
}

// Resolve merges defaults, the named preset and ad hoc parameters. A nil
// policy contributes nothing.
func (p *TransformationPolicy) Resolve(preset string, adHoc transform.Params) transform.Params {
	if p == nil {
		return transform.Resolve(nil, nil, "", adHoc)
	}
	return transform.Resolve(p.Default, p.Presets, preset, adHoc)
}

// AuthCheck is an extra authorization predicate for signed URL requests. It
// runs after the host has already confirmed read access to asset.
type AuthCheck func(r *http.Request, asset model.Asset) (bool, error)

// PrivacyPolicy marks a collection's uploads as private, reachable only through
// signed URLs.
type PrivacyPolicy struct {
	Enabled                bool
	ExpiresIn              int      // Seconds
	AuthTypes              []string // upload, authenticated
	IncludeTransformations bool
	UseAuthToken           bool
	CustomAuthCheck        AuthCheck
}

// Active reports whether the policy exists and is enabled.
func (p *PrivacyPolicy) Active() bool {
	return p != nil && p.Enabled
}

// TTL returns the signed URL lifetime in seconds.
func (p *PrivacyPolicy) TTL() int {
	if p == nil || p.ExpiresIn <= 0 {
		return DefaultExpiresIn
	}
	return p.ExpiresIn
}

// CollectionConfig is the canonical storage configuration for one collection.
// It is built by Normalize and never modified afterwards.
type CollectionConfig struct {
	ResourceKind    string
	UseFilename     *bool
	UniqueFilename  *bool
	Folder          *FolderPolicy
	Transformations *TransformationPolicy
	UploadQueue     *queue.Config
	Privacy         *PrivacyPolicy
	DeleteOnRemove  bool
	Extra           map[string]any // Unrecognized keys, passed through
}

// QueueEnabled reports whether uploads go through the bounded queue.
func (c CollectionConfig) QueueEnabled() bool {
	return c.UploadQueue != nil && c.UploadQueue.Enabled
}

// Private reports whether uploads are stored with authenticated access.
func (c CollectionConfig) Private() bool {
	return c.Privacy.Active()
}

// DynamicFolderField returns the document field that may override the folder,
// or "" when dynamic folders are off.
func (c CollectionConfig) DynamicFolderField() string {
	if c.Folder == nil || !c.Folder.EnableDynamic {
		return ""
	}
	return c.Folder.FieldName
}

// PresetField returns the document field selecting a preset, or "" when preset
// selection is off.
func (c CollectionConfig) PresetField() string {
	if c.Transformations == nil || !c.Transformations.EnablePresetSelection {
		return ""
	}
	if c.Transformations.PresetFieldName == "" {
		return DefaultPresetField
	}
	return c.Transformations.PresetFieldName
}

// DefaultFolder returns the configured folder path.
func (c CollectionConfig) DefaultFolder() string {
	if c.Folder == nil {
		return ""
	}
	return c.Folder.Path
}

// Collections maps collection slugs to their configuration.
type Collections map[string]CollectionConfig

// Get returns the configuration for slug.
func (c Collections) Get(slug string) (CollectionConfig, bool) {
	cfg, ok := c[slug]
	return cfg, ok
}
