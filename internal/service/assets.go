package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"log/slog"

	"github.com/phrazzld/nvcf-orchestrator/internal/blobstore"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

// ContentTypeJPEG is the content type assumed for images of unknown format.
const ContentTypeJPEG = "image/jpeg"

const jpegQuality = 95

var formatContentTypes = map[string]string{
	"jpeg": ContentTypeJPEG,
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// ImageLoader builds lazy asset loaders over images kept in the blob store.
type ImageLoader struct {
	store  blobstore.Store
	logger *slog.Logger
}

// NewImageLoader creates an ImageLoader reading from store.
func NewImageLoader(store blobstore.Store, logger *slog.Logger) (*ImageLoader, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrNilDependency)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrNilDependency)
	}
	return &ImageLoader{store: store, logger: logger.With("component", "image_loader")}, nil
}

// Loader returns a loader for in, or nil when in is nil. When width and height
// are both positive the image is resized to exactly that size and re-encoded.
// Nothing is read until the loader runs.
func (l *ImageLoader) Loader(in *ImageInput, width, height int) nvcf.AssetLoader {
	if in == nil {
		return nil
	}
	locator := in.Locator
	return func(ctx context.Context) (*nvcf.Asset, error) {
		l.logger.DebugContext(ctx, "loading input image", "locator", locator, "width", width, "height", height)

		data, err := l.store.Get(ctx, locator)
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", locator, err)
		}

		contentType := detectContentType(data)
		if width > 0 && height > 0 {
			data, contentType, err = resize(data, width, height)
			if err != nil {
				return nil, fmt.Errorf("failed to resize image %s: %w", locator, err)
			}
		}
		return BytesAsset(data, contentType), nil
	}
}

// BytesAsset wraps data already in memory as an asset.
func BytesAsset(data []byte, contentType string) *nvcf.Asset {
	return &nvcf.Asset{Data: data, ContentType: contentType, ContentLength: int64(len(data))}
}

// BytesLoader returns a loader that always yields data.
func BytesLoader(data []byte, contentType string) nvcf.AssetLoader {
	return func(context.Context) (*nvcf.Asset, error) {
		return BytesAsset(data, contentType), nil
	}
}

func detectContentType(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ContentTypeJPEG
	}
	if ct, ok := formatContentTypes[format]; ok {
		return ct
	}
	return ContentTypeJPEG
}

// resize scales data to width x height. PNG input stays PNG; every other
// format is re-encoded as JPEG.
func resize(data []byte, width, height int) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, dst); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), formatContentTypes["png"], nil
	}
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), ContentTypeJPEG, nil
}
