package annotate

import (
	"encoding/json"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vzahanych/fallwatch/internal/detection"
)

func TestColorFor(t *testing.T) {
	assert.Equal(t, Green, ColorFor("Standing"))
	assert.Equal(t, Yellow, ColorFor("Lying"))
	assert.Equal(t, Red, ColorFor("Sitting"))
	assert.Equal(t, Red, ColorFor(""))
}

func TestAnnotate_LyingDetectionDrawsYellowBox(t *testing.T) {
	var d detection.Detection
	require.NoError(t, json.Unmarshal([]byte(`{"objectid":7,"classname":"Lying","xtl":1,"ytl":2,"xbr":3,"ybr":4}`), &d))

	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	marks := New().Annotate(img, []detection.Detection{d})

	require.Len(t, marks, 1)
	m := marks[0]
	assert.Equal(t, Yellow, m.Color)
	assert.Equal(t, image.Rect(1, 2, 3, 4), m.Rect)
	require.Len(t, m.Texts, 2)
	assert.Equal(t, "7", m.Texts[0].Value)
	assert.Equal(t, "Lying", m.Texts[1].Value)

	// Fully inside the right edge of the 2px stroke.
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 0, A: 255}, img.RGBAAt(2, 3))
}

func TestAnnotate_TextStaysInsideFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 80))
	dets := []detection.Detection{
		{ObjectID: 12, ClassName: "Standing", XTL: 100, YTL: 0, XBR: 119, YBR: 40},
	}

	marks := New().Annotate(img, dets)
	require.Len(t, marks, 1)

	for _, text := range marks[0].Texts {
		assert.GreaterOrEqual(t, text.X, 0.0)
		assert.Less(t, text.X, 120.0)
		assert.Greater(t, text.Y, 0.0)
		assert.LessOrEqual(t, text.Y, 80.0)
	}
	assert.LessOrEqual(t, marks[0].Texts[1].X+8*8, 120.0, "label fits horizontally")
}

func TestAnnotate_LabelAboveBoxWhenRoom(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	dets := []detection.Detection{
		{ObjectID: 1, ClassName: "Standing", XTL: 50, YTL: 100, XBR: 90, YBR: 200},
	}

	marks := New().Annotate(img, dets)
	require.Len(t, marks, 1)
	assert.Equal(t, 50.0, marks[0].Texts[0].X)
	assert.Equal(t, 95.0, marks[0].Texts[0].Y)
	assert.Greater(t, marks[0].Texts[1].X, marks[0].Texts[0].X)
	assert.Equal(t, Green, img.RGBAAt(50, 150))
}

func TestAnnotate_NoDetectionsLeavesFrameUntouched(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	before := append([]byte(nil), img.Pix...)

	assert.Nil(t, New().Annotate(img, nil))
	assert.Equal(t, before, img.Pix)
}
