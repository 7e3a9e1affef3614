package transform

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	// decoders accepted on input
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/glimte/procapi-go/contracts"
)

// ImageTransform resizes an uploaded image to the model input size,
// converts it to grayscale and re-encodes it as base64 JPEG
type ImageTransform struct {
	width    int
	height   int
	quality  int
	maxBytes int
	// maxPixels bounds the decoded canvas
	maxPixels int64
	scaler    draw.Scaler
}

// ImageOption configures the image transform
type ImageOption func(*ImageTransform)

// WithSize sets the output dimensions
func WithSize(width, height int) ImageOption {
	return func(t *ImageTransform) {
		t.width = width
		t.height = height
	}
}

// WithQuality sets the JPEG quality, 1 to 100
func WithQuality(quality int) ImageOption {
	return func(t *ImageTransform) {
		t.quality = quality
	}
}

// WithMaxBytes caps the decoded upload size; 0 disables the cap
func WithMaxBytes(n int) ImageOption {
	return func(t *ImageTransform) {
		t.maxBytes = n
	}
}

// WithMaxPixels caps width*height of the uploaded image; 0 disables the cap
func WithMaxPixels(n int64) ImageOption {
	return func(t *ImageTransform) {
		t.maxPixels = n
	}
}

// WithScaler replaces the interpolation used for resizing
func WithScaler(s draw.Scaler) ImageOption {
	return func(t *ImageTransform) {
		t.scaler = s
	}
}

// NewImageTransform creates a transform producing 256x256 grayscale JPEGs
func NewImageTransform(opts ...ImageOption) *ImageTransform {
	t := &ImageTransform{
		width:     256,
		height:    256,
		quality:   jpeg.DefaultQuality,
		maxBytes:  10 << 20,
		maxPixels: 40_000_000,
		scaler:    draw.CatmullRom,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform turns the uploaded image into the worker payload. Every failure
// wraps contracts.ErrInvalidInput.
func (t *ImageTransform) Transform(in contracts.InputData) (string, error) {
	raw := strings.TrimSpace(in.Img64)
	if raw == "" {
		return "", fmt.Errorf("%w: img64 is empty", contracts.ErrInvalidInput)
	}
	// tolerate data URLs as sent by browsers
	if i := strings.Index(raw, ";base64,"); i >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+len(";base64,"):]
	}

	if t.maxBytes > 0 && base64.StdEncoding.DecodedLen(len(raw)) > t.maxBytes+2 {
		return "", fmt.Errorf("%w: image larger than %d bytes", contracts.ErrInvalidInput, t.maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: img64 is not valid base64: %v", contracts.ErrInvalidInput, err)
	}

	// a small compressed upload can declare a huge canvas; check the header
	// before the decoder allocates it
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: cannot decode image: %v", contracts.ErrInvalidInput, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); t.maxPixels > 0 && pixels > t.maxPixels {
		return "", fmt.Errorf("%w: image is %dx%d, above the %d pixel limit",
			contracts.ErrInvalidInput, cfg.Width, cfg.Height, t.maxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: cannot decode image: %v", contracts.ErrInvalidInput, err)
	}

	dst := image.NewGray(image.Rect(0, 0, t.width, t.height))
	t.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: t.quality}); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
