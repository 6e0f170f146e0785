//go:build !govips || !cgo

package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/dunamismax/reimagine/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() (transformer, error) {
	return stdlibTransformer{}, nil
}

type stdlibTransformer struct{}

func (stdlibTransformer) fit(ctx context.Context, input []byte, maxEdge int) (Result, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}

	w, h, resize := scaledSize(cfg.Width, cfg.Height, maxEdge)
	if !resize {
		return Result{Width: cfg.Width, Height: cfg.Height}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Result{}, fmt.Errorf("encode png: %w", err)
	}

	return Result{
		Data:        buf.Bytes(),
		ContentType: ContentTypePNG,
		Width:       w,
		Height:      h,
		Resized:     true,
	}, nil
}
