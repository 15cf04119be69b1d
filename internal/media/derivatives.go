// Package media generates image derivatives for enriched executions: the
// original re-encoded losslessly, a bounded thumbnail, and a compressed
// alternate. Paths are derived deterministically from the event id so a
// re-run detects existing files and skips re-encoding.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	_ "image/gif" // register decoders for embedded payload formats

	"golang.org/x/image/draw"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/extract"
	"github.com/tomasvidal/vigia/internal/logging"
)

// Derivative file names, fixed roles under the per-event directory.
const (
	OriginalName  = "original.png"
	ThumbnailName = "thumbnail.jpg"
	AltName       = "compressed.jpg"
)

// DerivativeSet describes the three files generated for one event.
type DerivativeSet struct {
	OriginalPath  string
	ThumbnailPath string
	AltPath       string
	Bytes         int64 // decoded source size
	Width         int
	Height        int
	Encoding      string // source encoding as detected (png, jpeg, gif)
	Skipped       bool   // true when all derivatives already existed
}

// Deriver writes derivative sets under a configured export root. Encoding is
// CPU-bound, so concurrent generation is capped independently of the
// pipeline's dispatch rate.
type Deriver struct {
	exportPath   string
	thumbnailMax int
	jpegQuality  int
	encoders     chan struct{}
	logger       *slog.Logger
}

// New creates a Deriver from settings.
func New(settings *conf.Settings) *Deriver {
	maxEncoders := settings.Media.MaxEncoders
	if maxEncoders < 1 {
		maxEncoders = 1
	}
	return &Deriver{
		exportPath:   settings.Media.ExportPath,
		thumbnailMax: settings.Media.ThumbnailMax,
		jpegQuality:  settings.Media.JPEGQuality,
		encoders:     make(chan struct{}, maxEncoders),
		logger:       logging.ForService("media"),
	}
}

// EventDir returns the deterministic directory for an event's derivatives.
func (d *Deriver) EventDir(eventID int64) string {
	return filepath.Join(d.exportPath, strconv.FormatInt(eventID, 10))
}

// Paths returns the three derivative paths for an event without touching disk.
func (d *Deriver) Paths(eventID int64) (original, thumbnail, alt string) {
	dir := d.EventDir(eventID)
	return filepath.Join(dir, OriginalName),
		filepath.Join(dir, ThumbnailName),
		filepath.Join(dir, AltName)
}

// Generate decodes the base64 image data and writes the derivative set for
// eventID. When all three files already exist the call is a no-op returning
// the existing set with Skipped true.
func (d *Deriver) Generate(ctx context.Context, eventID int64, imageB64 string) (*DerivativeSet, error) {
	originalPath, thumbnailPath, altPath := d.Paths(eventID)

	if existing, ok := d.existingSet(originalPath, thumbnailPath, altPath); ok {
		d.logger.Debug("derivatives already exist, skipping re-encode", "event_id", eventID)
		return existing, nil
	}

	// Encoder cap, context-aware so shutdown does not wait behind a burst.
	select {
	case d.encoders <- struct{}{}:
		defer func() { <-d.encoders }()
	case <-ctx.Done():
		return nil, errors.New(ctx.Err()).
			Component("media").
			Category(errors.CategoryTimeout).
			Context("event_id", eventID).
			Build()
	}

	raw, err := base64.StdEncoding.DecodeString(extract.StripDataURI(imageB64))
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding base64 image: %w", err)).
			Component("media").
			Category(errors.CategoryImageProcess).
			Terminal().
			Context("event_id", eventID).
			Build()
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding image data: %w", err)).
			Component("media").
			Category(errors.CategoryImageProcess).
			Terminal().
			Context("event_id", eventID).
			Context("bytes", len(raw)).
			Build()
	}

	if err := os.MkdirAll(d.EventDir(eventID), 0o755); err != nil {
		return nil, errors.New(err).
			Component("media").
			Category(errors.CategoryFileIO).
			Transient().
			Context("event_id", eventID).
			Build()
	}

	bounds := img.Bounds()
	set := &DerivativeSet{
		OriginalPath:  originalPath,
		ThumbnailPath: thumbnailPath,
		AltPath:       altPath,
		Bytes:         int64(len(raw)),
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		Encoding:      format,
	}

	if err := d.writeOriginal(originalPath, img); err != nil {
		return nil, err
	}
	if err := d.writeThumbnail(thumbnailPath, img); err != nil {
		return nil, err
	}
	if err := d.writeAlt(altPath, img); err != nil {
		return nil, err
	}

	d.logger.Debug("derivatives generated",
		"event_id", eventID,
		"format", format,
		"width", set.Width,
		"height", set.Height,
	)
	return set, nil
}

// existingSet checks whether all three derivatives are already on disk and,
// if so, reconstructs the set from the original file.
func (d *Deriver) existingSet(originalPath, thumbnailPath, altPath string) (*DerivativeSet, bool) {
	info, err := os.Stat(originalPath)
	if err != nil {
		return nil, false
	}
	for _, p := range []string{thumbnailPath, altPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, false
		}
	}

	set := &DerivativeSet{
		OriginalPath:  originalPath,
		ThumbnailPath: thumbnailPath,
		AltPath:       altPath,
		Bytes:         info.Size(),
		Encoding:      "png",
		Skipped:       true,
	}
	if f, err := os.Open(originalPath); err == nil {
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			set.Width = cfg.Width
			set.Height = cfg.Height
		}
		_ = f.Close()
	}
	return set, true
}

func (d *Deriver) writeOriginal(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return d.fileError(path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return d.fileError(path, err)
	}
	return nil
}

func (d *Deriver) writeThumbnail(path string, img image.Image) error {
	thumb := scaleDown(img, d.thumbnailMax)
	return d.writeJPEG(path, thumb, 85)
}

func (d *Deriver) writeAlt(path string, img image.Image) error {
	quality := d.jpegQuality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return d.writeJPEG(path, img, quality)
}

func (d *Deriver) writeJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return d.fileError(path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return d.fileError(path, err)
	}
	return nil
}

func (d *Deriver) fileError(path string, err error) error {
	return errors.New(err).
		Component("media").
		Category(errors.CategoryFileIO).
		Transient().
		Context("path", path).
		Build()
}

// scaleDown resizes img so its larger dimension is at most maxDim, preserving
// aspect ratio. Images already within bounds are returned unchanged.
func scaleDown(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	var newW, newH int
	if w >= h {
		newW = maxDim
		newH = h * maxDim / w
	} else {
		newH = maxDim
		newW = w * maxDim / h
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	resized := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
