package options

import "maps"

// Raw renders the configuration in its structured input shape. Normalizing the
// result yields an equal configuration.
func (c CollectionConfig) Raw() map[string]any {
	out := make(map[string]any, len(c.Extra)+8)
	maps.Copy(out, c.Extra)

	out["resourceType"] = c.ResourceKind
	out["deleteFromCloudinary"] = c.DeleteOnRemove
	if c.UseFilename != nil {
		out["useFilename"] = *c.UseFilename
	}
	if c.UniqueFilename != nil {
		out["uniqueFilename"] = *c.UniqueFilename
	}
	if f := c.Folder; f != nil {
		out["folder"] = map[string]any{
			"path":              f.Path,
			"enableDynamic":     f.EnableDynamic,
			"fieldName":         f.FieldName,
			"useFolderSelect":   f.UseFolderSelect,
			"skipFieldCreation": f.SkipFieldCreation,
		}
	}
	if t := c.Transformations; t != nil {
		tm := map[string]any{
			"enablePresetSelection": t.EnablePresetSelection,
			"presetFieldName":       t.PresetFieldName,
			"preserveOriginal":      t.PreserveOriginal,
		}
		if t.Default != nil {
			tm["default"] = map[string]any(t.Default.Clone())
		}
		if len(t.Presets) > 0 {
			list := make([]any, 0, len(t.Presets))
			for _, p := range t.Presets {
				list = append(list, map[string]any{
					"name":            p.Name,
					"label":           p.Label,
					"description":     p.Description,
					"transformations": map[string]any(p.Params.Clone()),
				})
			}
			tm["presets"] = list
		}
		out["transformations"] = tm
	}
	if q := c.UploadQueue; q != nil {
		out["uploadQueue"] = map[string]any{
			"enabled":              q.Enabled,
			"maxConcurrentUploads": q.MaxConcurrentUploads,
			"chunkSize":            q.ChunkSizeMB,
			"enableChunkedUploads": q.EnableChunkedUploads,
			"largeFileThreshold":   q.LargeFileThresholdMB,
		}
	}
	if p := c.Privacy; p != nil {
		pm := map[string]any{
			"enabled":                p.Enabled,
			"expiresIn":              p.ExpiresIn,
			"includeTransformations": p.IncludeTransformations,
			"useAuthToken":           p.UseAuthToken,
		}
		if len(p.AuthTypes) > 0 {
			pm["authTypes"] = append([]string(nil), p.AuthTypes...)
		}
		if p.CustomAuthCheck != nil {
			pm["customAuthCheck"] = p.CustomAuthCheck
		}
		out["privateFiles"] = pm
	}
	return out
}
