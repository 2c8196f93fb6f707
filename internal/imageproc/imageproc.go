// Package imageproc turns source image bytes into thumbnail and cache
// artifacts. It is pure and stateless; the quality policy lives here
// and nowhere else.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the webp decoder
)

// Settings are the per-job artifact parameters
type Settings struct {
	TargetWidth       int
	TargetHeight      int
	Quality           int    // 1-100, clamped by the density ceiling
	Format            string // "jpeg", "png", "webp" or "original"
	PreserveAnimation bool
}

// Result is a finished artifact
type Result struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Density-to-quality ceilings ("Rule 1"). A source that spends few
// bytes per pixel is already heavily compressed; encoding it above its
// own density only grows the file. Tunable constants, defaults from
// observed behaviour.
var (
	QualityCeilingHigh   = 95 // bpp > 2
	QualityCeilingMedium = 85 // 1 <= bpp <= 2
	QualityCeilingLow    = 75 // 0.5 <= bpp < 1
	QualityCeilingFloor  = 60 // bpp < 0.5
)

// MaxSourcePixels bounds decode size; anything larger is rejected as
// Oversized before decode to keep memory in check.
const MaxSourcePixels = 120 * 1000 * 1000

// Process decodes src and produces one artifact per the quality policy:
//
//   - animated sources keep their original container when
//     PreserveAnimation is set (no re-encode to a still);
//   - sources already within the target box are not resized and are
//     re-encoded at quality 100 ("Rule 2: preserve small images");
//   - otherwise the image is fit into the target box, aspect preserved,
//     and encoded at min(Quality, density ceiling).
func Process(src []byte, s Settings) (*Result, error) {
	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, &Error{Kind: FailureUnsupportedFormat, Err: fmt.Errorf("unrecognised image header: %w", err)}
	}
	if cfg.Width*cfg.Height > MaxSourcePixels {
		return nil, &Error{Kind: FailureOversized, Err: fmt.Errorf("%dx%d exceeds pixel budget", cfg.Width, cfg.Height)}
	}

	if s.PreserveAnimation && IsAnimated(src, srcFormat) {
		return &Result{Data: src, Format: srcFormat, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, &Error{Kind: FailureDecode, Err: fmt.Errorf("decode %s: %w", srcFormat, err)}
	}

	quality := s.Quality
	if ceiling := qualityCeiling(len(src), cfg.Width, cfg.Height); quality > ceiling {
		quality = ceiling
	}

	out := img
	if cfg.Width > s.TargetWidth || cfg.Height > s.TargetHeight {
		out = imaging.Fit(img, s.TargetWidth, s.TargetHeight, imaging.Lanczos)
	} else {
		// Rule 2: never upscale, never degrade an already-small image.
		quality = 100
	}

	outFormat := s.Format
	if outFormat == "" || outFormat == "original" {
		outFormat = srcFormat
	}

	bounds := out.Bounds()
	data, err := encode(out, outFormat, quality)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:   data,
		Format: outFormat,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// qualityCeiling maps source bytes-per-pixel to the maximum quality
// worth spending on the re-encode.
func qualityCeiling(sizeBytes, width, height int) int {
	pixels := width * height
	if pixels <= 0 {
		return QualityCeilingHigh
	}
	bpp := float64(sizeBytes) / float64(pixels)
	switch {
	case bpp > 2:
		return QualityCeilingHigh
	case bpp >= 1:
		return QualityCeilingMedium
	case bpp >= 0.5:
		return QualityCeilingLow
	default:
		return QualityCeilingFloor
	}
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	default:
		return nil, &Error{Kind: FailureUnsupportedFormat, Err: fmt.Errorf("no encoder for format %q", format)}
	}
	if err != nil {
		return nil, &Error{Kind: FailureEncode, Err: fmt.Errorf("encode %s: %w", format, err)}
	}
	return buf.Bytes(), nil
}

// IsAnimated reports whether the source carries more than one frame.
// GIFs are decoded frame-count only; animated WebP is recognised by its
// ANIM chunk without decoding.
func IsAnimated(src []byte, format string) bool {
	switch format {
	case "gif":
		g, err := gif.DecodeAll(bytes.NewReader(src))
		return err == nil && len(g.Image) > 1
	case "webp":
		// RIFF container: an animated webp declares a VP8X chunk with
		// the animation bit and an ANIM chunk.
		return bytes.Contains(src, []byte("ANIM"))
	default:
		return false
	}
}

// DetectFormat sniffs the image format of src without a full decode
func DetectFormat(src []byte) (string, int, int, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return "", 0, 0, &Error{Kind: FailureUnsupportedFormat, Err: err}
	}
	return format, cfg.Width, cfg.Height, nil
}

// Extension returns the canonical file extension for a format name
func Extension(format string) string {
	switch format {
	case "jpeg", "jpg":
		return ".jpg"
	case "png":
		return ".png"
	case "webp":
		return ".webp"
	case "gif":
		return ".gif"
	default:
		return "." + format
	}
}
