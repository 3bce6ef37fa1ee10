package media

import (
	"bytes"
	"math"

	"kestrel-eim/config"
	"kestrel-eim/core/utils"

	"github.com/disintegration/imaging"
)

// Transcoder re-encodes images within configured bounds. Output is always
// JPEG at the configured quality, whatever the input format was.
type Transcoder struct {
	cfg    config.CompressionConfig
	logger *utils.Logger
}

func NewTranscoder(cfg config.CompressionConfig, logger *utils.Logger) *Transcoder {
	return &Transcoder{cfg: cfg, logger: logger}
}

// FitDimensions scales (w,h) into (maxW,maxH) preserving aspect ratio with a
// single scalar min(maxW/w, maxH/h), rounding to the nearest pixel. Sources
// already within bounds keep their dimensions; there is no upscaling.
func FitDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return w, h
	}
	rw, rh := math.Inf(1), math.Inf(1)
	if maxW > 0 {
		rw = float64(maxW) / float64(w)
	}
	if maxH > 0 {
		rh = float64(maxH) / float64(h)
	}
	r := math.Min(rw, rh)
	tw := int(math.Round(float64(w) * r))
	th := int(math.Round(float64(h) * r))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

func (t *Transcoder) quality() int {
	if t.cfg.Quality > 0 && t.cfg.Quality <= 100 {
		return t.cfg.Quality
	}
	return 80
}

// Compress decodes, resizes within the configured bounds and re-encodes to
// JPEG. Any decode, resize or encode failure is recovered locally: the source
// bytes come back untouched with compressed=false, and the failure is logged.
// A bad image must never abort the surrounding batch.
func (t *Transcoder) Compress(data []byte) (out []byte, compressed bool) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		t.logger.Warnf("compress: decode failed, storing original: %v", err)
		return data, false
	}
	b := img.Bounds()
	tw, th := FitDimensions(b.Dx(), b.Dy(), t.cfg.MaxWidth, t.cfg.MaxHeight)
	if tw != b.Dx() || th != b.Dy() {
		img = imaging.Resize(img, tw, th, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.quality())); err != nil {
		t.logger.Warnf("compress: encode failed, storing original: %v", err)
		return data, false
	}
	return buf.Bytes(), true
}

// Thumbnail renders one bounded JPEG thumbnail. Failures are the caller's to
// skip; one bad size must not block the others.
func (t *Transcoder) Thumbnail(data []byte, maxW, maxH int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Fit(img, maxW, maxH, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(t.quality())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
