package download

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	// Registers decoders for the cover formats the platform serves.
	_ "image/gif"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var ErrNotImage = errors.New("cover is not an image")

// Thumbnail sniffs the cover bytes and shrinks the image to fit in a
// maxDimension square. Images that already fit are returned unchanged.
// Resized covers are re-encoded as PNG if they were PNG, otherwise JPEG.
func Thumbnail(data []byte, maxDimension int) ([]byte, string, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", errors.Wrapf(ErrNotImage, "detected %s", mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	if maxDimension <= 0 || (cfg.Width <= maxDimension && cfg.Height <= maxDimension) {
		return data, mt.String(), nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.WithStack(err)
	}

	srcBounds := src.Bounds()
	w, h := fitDimensions(srcBounds.Dx(), srcBounds.Dy(), maxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)

	var buf bytes.Buffer
	if mt.Is("image/png") {
		if err := png.Encode(&buf, dst); err != nil {
			return nil, "", errors.WithStack(err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, "", errors.WithStack(err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func fitDimensions(w, h, limit int) (int, int) {
	if w >= h {
		nh := h * limit / w
		if nh < 1 {
			nh = 1
		}
		return limit, nh
	}
	nw := w * limit / h
	if nw < 1 {
		nw = 1
	}
	return nw, limit
}
