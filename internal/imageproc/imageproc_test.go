package imageproc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kilnmedia/kiln/internal/testutil"
)

func TestQualityCeiling(t *testing.T) {
	tests := []struct {
		name      string
		sizeBytes int
		width     int
		height    int
		want      int
	}{
		{"dense source", 2_100_000, 1000, 1000, QualityCeilingHigh},
		{"medium density", 1_400_000, 1000, 1000, QualityCeilingMedium},
		{"exactly 1 bpp", 1_000_000, 1000, 1000, QualityCeilingMedium},
		{"low density", 700_000, 1000, 1000, QualityCeilingLow},
		{"exactly 0.5 bpp", 500_000, 1000, 1000, QualityCeilingLow},
		{"heavily compressed", 300_000, 1000, 1000, QualityCeilingFloor},
		{"zero pixels", 1000, 0, 0, QualityCeilingHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qualityCeiling(tt.sizeBytes, tt.width, tt.height); got != tt.want {
				t.Errorf("qualityCeiling(%d, %d, %d) = %d, want %d",
					tt.sizeBytes, tt.width, tt.height, got, tt.want)
			}
		})
	}
}

func TestProcessFitsLargerSources(t *testing.T) {
	src := testutil.JPEG(t, 800, 600)
	res, err := Process(src, Settings{TargetWidth: 300, TargetHeight: 300, Quality: 85, Format: "jpeg"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Width != 300 || res.Height != 225 {
		t.Errorf("result = %dx%d, want 300x225 (aspect preserved)", res.Width, res.Height)
	}
	if res.Format != "jpeg" {
		t.Errorf("format = %q, want jpeg", res.Format)
	}
	if len(res.Data) == 0 {
		t.Error("empty artifact")
	}
}

func TestProcessPreservesSmallImages(t *testing.T) {
	src := testutil.JPEG(t, 200, 150)
	res, err := Process(src, Settings{TargetWidth: 300, TargetHeight: 300, Quality: 60, Format: "jpeg"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Small sources are never upscaled.
	if res.Width != 200 || res.Height != 150 {
		t.Errorf("result = %dx%d, want original 200x150", res.Width, res.Height)
	}
}

func TestProcessFormatOriginalKeepsSourceFormat(t *testing.T) {
	src := testutil.PNG(t, 640, 480)
	res, err := Process(src, Settings{TargetWidth: 300, TargetHeight: 300, Quality: 85, Format: "original"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Format != "png" {
		t.Errorf("format = %q, want png", res.Format)
	}
}

func TestProcessAnimatedPassthrough(t *testing.T) {
	src := testutil.AnimatedGIF(t, 64, 64)

	res, err := Process(src, Settings{TargetWidth: 32, TargetHeight: 32, Quality: 85, Format: "jpeg", PreserveAnimation: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("animated source was re-encoded despite PreserveAnimation")
	}
	if res.Format != "gif" {
		t.Errorf("format = %q, want gif (original container)", res.Format)
	}
	if res.Width != 64 || res.Height != 64 {
		t.Errorf("result = %dx%d, want source dimensions", res.Width, res.Height)
	}
}

func TestProcessAnimatedFlattensWithoutPreserve(t *testing.T) {
	src := testutil.AnimatedGIF(t, 64, 64)

	res, err := Process(src, Settings{TargetWidth: 32, TargetHeight: 32, Quality: 85, Format: "jpeg"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Format != "jpeg" {
		t.Errorf("format = %q, want jpeg (thumbnails flatten animation)", res.Format)
	}
	if bytes.Equal(res.Data, src) {
		t.Error("source passed through unconverted")
	}
}

func TestProcessRejectsGarbage(t *testing.T) {
	_, err := Process([]byte("not an image at all"), Settings{TargetWidth: 100, TargetHeight: 100, Quality: 85, Format: "jpeg"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != FailureUnsupportedFormat {
		t.Errorf("Process(garbage) = %v, want UnsupportedFormat", err)
	}
}

func TestIsAnimated(t *testing.T) {
	if !IsAnimated(testutil.AnimatedGIF(t, 16, 16), "gif") {
		t.Error("two-frame gif not detected as animated")
	}
	if IsAnimated(testutil.JPEG(t, 16, 16), "jpeg") {
		t.Error("jpeg detected as animated")
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"jpeg", ".jpg"},
		{"jpg", ".jpg"},
		{"png", ".png"},
		{"webp", ".webp"},
		{"gif", ".gif"},
		{"bmp", ".bmp"},
	}
	for _, tt := range tests {
		if got := Extension(tt.format); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}
}
