package preprocess

import (
	"context"
	"fmt"
)

const (
	DefaultMaxEdge = 1024

	ContentTypePNG = "image/png"
)

// Result is a normalized input image ready for upload.
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Resized     bool
}

type transformer interface {
	fit(ctx context.Context, input []byte, maxEdge int) (Result, error)
}

// Normalizer bounds the longest edge of submitted images. Images that
// already fit are passed through untouched; larger ones are downscaled and
// re-encoded as PNG.
type Normalizer struct {
	maxEdge     int
	transformer transformer
}

func NewNormalizer(maxEdge int) (*Normalizer, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultMaxEdge
	}

	t, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Normalizer{maxEdge: maxEdge, transformer: t}, nil
}

func (n *Normalizer) Normalize(ctx context.Context, data []byte, contentType string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	res, err := n.transformer.fit(ctx, data, n.maxEdge)
	if err != nil {
		return Result{}, err
	}
	if !res.Resized {
		res.Data = data
		res.ContentType = contentType
	}
	return res, nil
}

// scaledSize returns the dimensions that fit w x h within maxEdge while
// keeping the aspect ratio, and whether any scaling is needed.
func scaledSize(w, h, maxEdge int) (int, int, bool) {
	longest := max(w, h)
	if longest <= maxEdge {
		return w, h, false
	}
	scale := float64(maxEdge) / float64(longest)
	return max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5)), true
}
