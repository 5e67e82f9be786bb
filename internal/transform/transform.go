// Package transform resolves the transformation parameters applied to an upload.
// Parameters are an opaque bag handed to the remote media service; this package
// only merges them in a fixed precedence order.
package transform

import "maps"

// Params is an opaque set of transformation parameters (width, crop, quality, ...).
type Params map[string]any

// Clone returns a shallow copy of p. A nil receiver yields an empty, non-nil map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	return out
}

// Preset is a named, selectable bundle of transformation parameters.
type Preset struct {
	Name        string `json:"name" yaml:"name"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Params      Params `json:"transformations" yaml:"transformations"`
}

// Find returns the preset with the given name.
func Find(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Resolve merges defaults, then the named preset (if found), then ad hoc
// parameters. Later layers override earlier ones key by key. An unknown preset
// name is ignored. The inputs are never modified.
func Resolve(defaults Params, presets []Preset, preset string, adHoc Params) Params {
	out := defaults.Clone()
	if preset != "" {
		if p, ok := Find(presets, preset); ok {
			maps.Copy(out, p.Params)
		}
	}
	maps.Copy(out, adHoc)
	return out
}

// Thumbnail is the fixed transformation used for admin thumbnails.
func Thumbnail() Params {
	return Params{
		"width":        150,
		"height":       150,
		"crop":         "fill",
		"gravity":      "auto",
		"quality":      "auto",
		"fetch_format": "auto",
	}
}

// ForDelivery prepares default parameters for a delivery URL: a "format" or
// "fetchFormat" of "auto" is rewritten to fetch_format.
func ForDelivery(p Params) Params {
	out := p.Clone()
	if out["format"] == "auto" || out["fetchFormat"] == "auto" {
		out["fetch_format"] = "auto"
		delete(out, "format")
		delete(out, "fetchFormat")
	}
	return out
}

// CommonPresets are ready-made presets collections may reference.
var CommonPresets = []Preset{
	{
		Name:        "thumbnail",
		Label:       "Thumbnail",
		Description: "Small thumbnail for lists and grids",
		Params:      Thumbnail(),
	},
	{
		Name:        "card",
		Label:       "Card Image",
		Description: "Medium size for cards and previews",
		Params: Params{
			"width": 400, "height": 300, "crop": "fill", "gravity": "auto",
			"quality": "auto:good", "fetch_format": "auto",
		},
	},
	{
		Name:        "hero",
		Label:       "Hero Image",
		Description: "Large hero/banner image",
		Params: Params{
			"width": 1920, "height": 600, "crop": "fill", "gravity": "auto",
			"quality": "auto:good", "fetch_format": "auto", "dpr": "auto",
		},
	},
	{
		Name:        "responsive",
		Label:       "Responsive",
		Description: "Responsive image with automatic sizing",
		Params: Params{
			"width": "auto", "quality": "auto", "fetch_format": "auto", "dpr": "auto",
		},
	},
	{
		Name:        "watermarked",
		Label:       "Watermarked",
		Description: "Add watermark overlay",
		Params: Params{
			"quality": "auto:good", "fetch_format": "auto",
			"overlay": "text:Arial_40_bold:%C2%A9", "opacity": 30, "color": "white",
			"gravity": "south_east", "x": 10, "y": 10,
		},
	},
	{
		Name:        "blurred",
		Label:       "Blurred Background",
		Description: "Blurred version for backgrounds",
		Params: Params{
			"quality": "auto:low", "fetch_format": "auto", "effect": "blur:1000", "width": 800,
		},
	},
	{
		Name:        "grayscale",
		Label:       "Grayscale",
		Description: "Convert to black and white",
		Params: Params{
			"quality": "auto", "fetch_format": "auto", "effect": "grayscale",
		},
	},
	{
		Name:        "rounded",
		Label:       "Rounded Corners",
		Description: "Image with rounded corners",
		Params: Params{
			"width": 300, "height": 300, "crop": "fill", "gravity": "face",
			"radius": "max", "quality": "auto", "fetch_format": "auto",
		},
	},
}
