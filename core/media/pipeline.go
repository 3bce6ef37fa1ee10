package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kestrel-eim/config"
	"kestrel-eim/core/utils"

	"github.com/gofrs/uuid/v5"
)

// ErrStorageUnavailable marks a systemic storage failure. Unlike per-file
// problems it aborts the whole batch and propagates to the caller.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Pipeline runs validation, transcoding, thumbnailing and placement for
// batches of uploads. One bad file is skipped and logged; the batch goes on.
type Pipeline struct {
	cfg        config.MediaConfig
	root       string
	planner    *Planner
	validator  *Validator
	transcoder *Transcoder
	thumbs     []config.ThumbnailSize
	logger     *utils.Logger
}

func NewPipeline(cfg config.MediaConfig, logger *utils.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		root:       cfg.StorageDir,
		planner:    NewPlanner(),
		validator:  NewValidator(cfg),
		transcoder: NewTranscoder(cfg.Compression, logger),
		thumbs:     cfg.ThumbnailTable(),
		logger:     logger,
	}
}

// SetPlanner swaps the path planner; tests inject a fixed clock through it.
func (p *Pipeline) SetPlanner(planner *Planner) {
	if planner != nil {
		p.planner = planner
	}
}

// Ingest stores a batch of uploads for one incident and returns the stored
// relative paths in input order. Invalid or failed files are omitted, not
// replaced by placeholders, so callers must not assume index alignment with
// the input. Only a systemic storage failure returns an error.
func (p *Pipeline) Ingest(ctx context.Context, uploads []Upload, category, identifier string, kind Kind) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	base := p.planner.Plan(category, identifier, kind)
	if err := os.MkdirAll(filepath.Join(p.root, filepath.FromSlash(base)), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var stored []string
	ioFailures := 0
	for i, up := range uploads {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if err := p.validator.Validate(up, kind); err != nil {
			p.logger.Warnf("ingest %s: skipping %s: %v", identifier, up.Filename, err)
			continue
		}
		name := p.assetName(up, i)
		rel, err := p.storeOne(up, base, name, kind)
		if err != nil {
			p.logger.Errorf("ingest %s: store %s failed: %v", identifier, up.Filename, err)
			ioFailures++
			continue
		}
		stored = append(stored, rel)
	}
	if len(stored) == 0 && ioFailures > 0 && ioFailures == len(uploads) {
		return nil, fmt.Errorf("%w: every file in the batch failed to store", ErrStorageUnavailable)
	}
	return stored, nil
}

// assetName builds {timestamp}_{random8}_{index} without extension.
func (p *Pipeline) assetName(up Upload, index int) string {
	token := uuid.Must(uuid.NewV4()).String()[:8]
	return fmt.Sprintf("%d_%s_%d", time.Now().Unix(), token, index)
}

// storeOne writes the original, the compressed variant when transcoding
// succeeds, and best-effort thumbnails. The returned path is the working
// variant: compressed when available, otherwise the original.
func (p *Pipeline) storeOne(up Upload, base, name string, kind Kind) (string, error) {
	ext := assetExt(up)
	originalRel := base + "/" + variantOriginal + "/" + name + ext
	if err := p.writeFile(originalRel, up.Data); err != nil {
		return "", err
	}

	if kind != KindPhotos || !p.cfg.Compression.Enabled || CodecForMIME(up.ContentType) == CodecUnsupported {
		return originalRel, nil
	}

	rel := originalRel
	out, compressed := p.transcoder.Compress(up.Data)
	if compressed {
		compressedRel := base + "/" + variantCompressed + "/" + name + ".jpg"
		if err := p.writeFile(compressedRel, out); err != nil {
			// The original already landed; fall back to it.
			p.logger.Warnf("store compressed %s: %v", up.Filename, err)
		} else {
			rel = compressedRel
		}
	}
	p.writeThumbnails(up, base, name)
	return rel, nil
}

// writeThumbnails renders every configured size. Each size is best-effort; a
// failure in one must not block the others nor the primary output.
func (p *Pipeline) writeThumbnails(up Upload, base, name string) {
	for _, size := range p.thumbs {
		data, err := p.transcoder.Thumbnail(up.Data, size.Width, size.Height)
		if err != nil {
			p.logger.Warnf("thumbnail %s %s: %v", size.Name, up.Filename, err)
			continue
		}
		rel := base + "/" + variantThumbnails + "/" + size.Name + "/" + name + ".jpg"
		if err := p.writeFile(rel, data); err != nil {
			p.logger.Warnf("thumbnail %s %s: %v", size.Name, up.Filename, err)
		}
	}
}

func (p *Pipeline) writeFile(rel string, data []byte) error {
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// DeletePhoto removes the asset behind a stored photo path together with all
// derived variants. An already-absent variant is not an error; false comes
// back only on an unexpected I/O failure.
func (p *Pipeline) DeletePhoto(path string) bool {
	return p.deleteAsset(path)
}

// DeleteVideo removes the asset behind a stored video path and any variants.
func (p *Pipeline) DeleteVideo(path string) bool {
	return p.deleteAsset(path)
}

func (p *Pipeline) deleteAsset(rel string) bool {
	base, file, ok := splitVariant(rel)
	if !ok {
		// Path carries no variant segment; remove just the file itself.
		return p.removeGlob(filepath.Join(p.root, filepath.FromSlash(rel)))
	}
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	dirs := []string{
		base + "/" + variantOriginal,
		base + "/" + variantCompressed,
	}
	for _, size := range p.thumbs {
		dirs = append(dirs, base+"/"+variantThumbnails+"/"+size.Name)
	}
	ok = true
	for _, dir := range dirs {
		pattern := filepath.Join(p.root, filepath.FromSlash(dir), stem+".*")
		if !p.removeGlob(pattern) {
			ok = false
		}
	}
	return ok
}

// removeGlob deletes every match of pattern. No matches means already gone,
// which is fine.
func (p *Pipeline) removeGlob(pattern string) bool {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		p.logger.Errorf("delete: bad pattern %s: %v", pattern, err)
		return false
	}
	ok := true
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			p.logger.Errorf("delete: remove %s: %v", m, err)
			ok = false
		}
	}
	return ok
}

// splitVariant cuts a stored path at its variant segment, returning the
// incident-kind base and the variant-local filename.
func splitVariant(rel string) (base, file string, ok bool) {
	for _, seg := range []string{"/" + variantOriginal + "/", "/" + variantCompressed + "/"} {
		if i := strings.Index(rel, seg); i >= 0 {
			return rel[:i], rel[i+len(seg):], true
		}
	}
	if i := strings.Index(rel, "/"+variantThumbnails+"/"); i >= 0 {
		rest := rel[i+len("/"+variantThumbnails+"/"):]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rel[:i], rest[j+1:], true
		}
	}
	return "", "", false
}

// PurgeIdentifier removes the whole asset tree of one incident. Used by hard
// delete and by the orphan sweeper.
func (p *Pipeline) PurgeIdentifier(category, identifier string) error {
	// The identifier directory may exist under any month; match them all.
	pattern := filepath.Join(p.root, Slugify(category), "*", "*", identifier)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}

// Root exposes the storage root for collaborators that walk the asset tree.
func (p *Pipeline) Root() string {
	return p.root
}

func assetExt(up Upload) string {
	ext := strings.ToLower(filepath.Ext(up.Filename))
	if ext != "" && len(ext) <= 8 && !strings.ContainsAny(ext[1:], "./\\") {
		return ext
	}
	if exts, err := mime.ExtensionsByType(up.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
