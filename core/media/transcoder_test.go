package media

import (
	"bytes"
	"image"
	"testing"

	"kestrel-eim/config"
	"kestrel-eim/core/utils"
)

func TestFitDimensions(t *testing.T) {
	cases := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"within bounds untouched", 800, 600, 1920, 1080, 800, 600},
		{"exact bounds untouched", 1920, 1080, 1920, 1080, 1920, 1080},
		{"wide landscape bounded by width", 4000, 2000, 1920, 1080, 1920, 960},
		{"tall portrait bounded by height", 2000, 4000, 1920, 1080, 540, 1080},
		{"both exceeded takes smaller ratio", 3840, 2160, 1920, 1080, 1920, 1080},
		{"no upscale of small image", 100, 80, 1920, 1080, 100, 80},
		{"zero max width means unbounded width", 4000, 2000, 0, 1000, 2000, 1000},
		{"zero max height means unbounded height", 4000, 2000, 1000, 0, 1000, 500},
		{"degenerate source passes through", 0, 0, 1920, 1080, 0, 0},
		{"extreme ratio clamps to one pixel", 10000, 2, 100, 100, 100, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gw, gh := FitDimensions(c.w, c.h, c.maxW, c.maxH)
			if gw != c.wantW || gh != c.wantH {
				t.Fatalf("FitDimensions(%d,%d,%d,%d)=(%d,%d), want (%d,%d)",
					c.w, c.h, c.maxW, c.maxH, gw, gh, c.wantW, c.wantH)
			}
		})
	}
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestCompressResizesAndReencodes(t *testing.T) {
	tr := NewTranscoder(config.CompressionConfig{Enabled: true, MaxWidth: 400, MaxHeight: 300, Quality: 80}, utils.NewLogger())
	src := makePNG(t, 1600, 1200)
	out, compressed := tr.Compress(src)
	if !compressed {
		t.Fatalf("expected compression to succeed")
	}
	w, h := decodeDims(t, out)
	if w != 400 || h != 300 {
		t.Fatalf("output is %dx%d, want 400x300", w, h)
	}
	// Output must be JPEG regardless of the PNG input.
	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil || format != "jpeg" {
		t.Fatalf("expected jpeg output, got %q (%v)", format, err)
	}
}

func TestCompressKeepsSmallImageDimensions(t *testing.T) {
	tr := NewTranscoder(config.CompressionConfig{Enabled: true, MaxWidth: 1920, MaxHeight: 1080, Quality: 80}, utils.NewLogger())
	src := makeJPEG(t, 320, 240)
	out, compressed := tr.Compress(src)
	if !compressed {
		t.Fatalf("expected re-encode to succeed")
	}
	w, h := decodeDims(t, out)
	if w != 320 || h != 240 {
		t.Fatalf("small image was resized to %dx%d", w, h)
	}
}

func TestCompressFallsBackOnGarbage(t *testing.T) {
	tr := NewTranscoder(config.CompressionConfig{Enabled: true, MaxWidth: 800, MaxHeight: 600, Quality: 80}, utils.NewLogger())
	src := []byte("definitely not image data")
	out, compressed := tr.Compress(src)
	if compressed {
		t.Fatalf("garbage input must not report success")
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("fallback must return the source bytes untouched")
	}
}

func TestThumbnailFitsWithinBounds(t *testing.T) {
	tr := NewTranscoder(config.CompressionConfig{Quality: 80}, utils.NewLogger())
	src := makeJPEG(t, 1600, 900)
	out, err := tr.Thumbnail(src, 320, 240)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	w, h := decodeDims(t, out)
	if w > 320 || h > 240 {
		t.Fatalf("thumbnail %dx%d exceeds 320x240", w, h)
	}
	if w != 320 {
		t.Fatalf("aspect fit should pin the width at 320, got %d", w)
	}
}

func TestThumbnailErrorOnGarbage(t *testing.T) {
	tr := NewTranscoder(config.CompressionConfig{Quality: 80}, utils.NewLogger())
	if _, err := tr.Thumbnail([]byte("junk"), 100, 100); err == nil {
		t.Fatalf("expected decode error")
	}
}
