package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	xdraw "golang.org/x/image/draw"
)

// DefaultThumbnailSize is the fixed edge length of stored thumbnails.
const DefaultThumbnailSize = 100

// Thumbnail downscales an image to exactly size x size pixels and
// encodes it as PNG. Thumbnails are derived once when the image is
// stored and never re-derived later.
func Thumbnail(imageData []byte, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("thumbnail size must be positive, got %d", size)
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		slog.Error("Thumbnail: failed to decode image", "error", err)
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	slog.Debug("Thumbnail: scaling image",
		"original_width", img.Bounds().Dx(),
		"original_height", img.Bounds().Dy(),
		"target_size", size)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
