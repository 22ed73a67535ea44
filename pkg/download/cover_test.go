package download

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnail_ShrinksLargeCover(t *testing.T) {
	t.Parallel()
	data := encodePNG(t, 400, 800)

	out, mimeType, err := Thumbnail(data, 100)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)

	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 100, cfg.Height)
}

func TestThumbnail_KeepsSmallCover(t *testing.T) {
	t.Parallel()
	data := encodePNG(t, 40, 60)

	out, mimeType, err := Thumbnail(data, 100)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, data, out)
}

func TestThumbnail_JPEG(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 300, 150)), nil))

	out, mimeType, err := Thumbnail(buf.Bytes(), 60)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mimeType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 30, cfg.Height)
}

func TestThumbnail_RejectsNonImage(t *testing.T) {
	t.Parallel()
	_, _, err := Thumbnail([]byte("<html>nope</html>"), 100)
	require.ErrorIs(t, err, ErrNotImage)
}
