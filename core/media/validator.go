package media

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"kestrel-eim/config"

	// Closed decoder set. Anything else is rejected, not silently passed.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Upload is one raw user-submitted file: bytes plus the declared metadata.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// InvalidAssetError marks a per-file rejection. The pipeline skips the file
// and moves on; it never aborts the batch for one of these.
type InvalidAssetError struct {
	Reason string // "size", "type" or "dimensions"
	Detail string
}

func (e *InvalidAssetError) Error() string {
	return fmt.Sprintf("invalid asset (%s): %s", e.Reason, e.Detail)
}

// ImageCodec is the closed set of image formats the pipeline understands.
type ImageCodec int

const (
	CodecUnsupported ImageCodec = iota
	CodecJPEG
	CodecPNG
	CodecGIF
	CodecWebP
)

func CodecForMIME(mime string) ImageCodec {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return CodecJPEG
	case "image/png":
		return CodecPNG
	case "image/gif":
		return CodecGIF
	case "image/webp":
		return CodecWebP
	default:
		return CodecUnsupported
	}
}

type Validator struct {
	cfg       config.MediaConfig
	photoMIME map[string]struct{}
	videoMIME map[string]struct{}
}

func NewValidator(cfg config.MediaConfig) *Validator {
	return &Validator{
		cfg:       cfg,
		photoMIME: mimeSet(cfg.PhotoMIMETypes),
		videoMIME: mimeSet(cfg.VideoMIMETypes),
	}
}

func mimeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// Validate checks size, then declared type, then (for photos) decoded pixel
// dimensions. The first failing check wins.
func (v *Validator) Validate(up Upload, kind Kind) error {
	maxBytes := v.cfg.MaxVideoBytes
	allowed := v.videoMIME
	if kind == KindPhotos {
		maxBytes = v.cfg.MaxPhotoBytes
		allowed = v.photoMIME
	}
	if maxBytes > 0 && int64(len(up.Data)) > maxBytes {
		return &InvalidAssetError{
			Reason: "size",
			Detail: fmt.Sprintf("%s is %d bytes, limit %d", up.Filename, len(up.Data), maxBytes),
		}
	}
	mimeType := strings.ToLower(strings.TrimSpace(up.ContentType))
	if _, ok := allowed[mimeType]; !ok {
		return &InvalidAssetError{
			Reason: "type",
			Detail: fmt.Sprintf("%s declares %q", up.Filename, up.ContentType),
		}
	}
	if kind == KindPhotos {
		if CodecForMIME(mimeType) == CodecUnsupported {
			return &InvalidAssetError{
				Reason: "type",
				Detail: fmt.Sprintf("%s: no decoder for %q", up.Filename, up.ContentType),
			}
		}
		cfgImg, _, err := image.DecodeConfig(bytes.NewReader(up.Data))
		if err != nil {
			return &InvalidAssetError{
				Reason: "type",
				Detail: fmt.Sprintf("%s: undecodable image: %v", up.Filename, err),
			}
		}
		if (v.cfg.MaxImageWidth > 0 && cfgImg.Width > v.cfg.MaxImageWidth) ||
			(v.cfg.MaxImageHeight > 0 && cfgImg.Height > v.cfg.MaxImageHeight) {
			return &InvalidAssetError{
				Reason: "dimensions",
				Detail: fmt.Sprintf("%s is %dx%d, limit %dx%d", up.Filename, cfgImg.Width, cfgImg.Height, v.cfg.MaxImageWidth, v.cfg.MaxImageHeight),
			}
		}
	}
	return nil
}
