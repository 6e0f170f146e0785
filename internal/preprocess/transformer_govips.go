//go:build govips && cgo

package preprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/reimagine/internal/domain"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  50,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newTransformer() (transformer, error) {
	return govipsTransformer{}, nil
}

type govipsTransformer struct{}

func (govipsTransformer) fit(ctx context.Context, input []byte, maxEdge int) (Result, error) {
	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	defer img.Close()

	w, h, resize := scaledSize(img.Width(), img.Height(), maxEdge)
	if !resize {
		return Result{Width: img.Width(), Height: img.Height()}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	scale := float64(maxEdge) / float64(max(img.Width(), img.Height()))
	if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
		return Result{}, fmt.Errorf("resize image: %w", err)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return Result{}, fmt.Errorf("encode png: %w", err)
	}

	return Result{
		Data:        data,
		ContentType: ContentTypePNG,
		Width:       w,
		Height:      h,
		Resized:     true,
	}, nil
}
