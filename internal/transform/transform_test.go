package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrecedence(t *testing.T) {
	defaults := Params{"q": "auto"}
	presets := []Preset{{Name: "thumb", Params: Params{"w": 150, "h": 150, "crop": "fill"}}}

	got := Resolve(defaults, presets, "thumb", Params{"h": 200})

	assert.Equal(t, Params{"q": "auto", "w": 150, "h": 200, "crop": "fill"}, got)
}

func TestResolveUnknownPreset(t *testing.T) {
	defaults := Params{"q": "auto"}
	presets := []Preset{{Name: "thumb", Params: Params{"w": 150}}}

	got := Resolve(defaults, presets, "missing", nil)

	assert.Equal(t, Params{"q": "auto"}, got)
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	defaults := Params{"q": "auto"}
	presetParams := Params{"w": 150}
	presets := []Preset{{Name: "thumb", Params: presetParams}}
	adHoc := Params{"w": 300, "effect": "grayscale"}

	got := Resolve(defaults, presets, "thumb", adHoc)
	got["extra"] = true

	assert.Equal(t, Params{"q": "auto"}, defaults)
	assert.Equal(t, Params{"w": 150}, presetParams)
	assert.Equal(t, Params{"w": 300, "effect": "grayscale"}, adHoc)
}

func TestResolveEmpty(t *testing.T) {
	got := Resolve(nil, nil, "", nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestForDelivery(t *testing.T) {
	got := ForDelivery(Params{"format": "auto", "quality": "auto"})
	assert.Equal(t, Params{"fetch_format": "auto", "quality": "auto"}, got)

	kept := ForDelivery(Params{"format": "png"})
	assert.Equal(t, Params{"format": "png"}, kept)
}

func TestCommonPresetsContainThumbnail(t *testing.T) {
	p, ok := Find(CommonPresets, "thumbnail")
	assert.True(t, ok)
	assert.Equal(t, Thumbnail(), p.Params)
}
