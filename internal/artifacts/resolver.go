// Package artifacts resolves stored object descriptors into inline content
// for provider calls.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"analysis-backend/internal/llm"
	"analysis-backend/internal/shared/storage/object"
)

// DefaultMaxBytes caps a single resolved object.
const DefaultMaxBytes = 10 << 20

// ErrTooLarge is returned when an object exceeds the resolver's size cap.
var ErrTooLarge = errors.New("object too large")

// Resolver reads objects from the store.
type Resolver struct {
	Store    object.ObjectStore
	MaxBytes int64
}

func NewResolver(store object.ObjectStore, maxBytes int64) *Resolver {
	return &Resolver{Store: store, MaxBytes: maxBytes}
}

// SourceText loads key and extracts its text.
func (r *Resolver) SourceText(ctx context.Context, key, mimeType string) (string, error) {
	data, err := r.read(ctx, key)
	if err != nil {
		return "", err
	}
	text, err := ExtractText(data, mimeType, path.Base(key))
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", key, err)
	}
	return text, nil
}

// Artifact loads key as an inline artifact. A missing mime type is sniffed.
func (r *Resolver) Artifact(ctx context.Context, key, mimeType, name string) (llm.Artifact, error) {
	data, err := r.read(ctx, key)
	if err != nil {
		return llm.Artifact{}, err
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if name == "" {
		name = path.Base(key)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		// Documents reach providers as text sections.
		if text, err := ExtractText(data, mimeType, name); err == nil {
			return llm.Artifact{Name: name, MimeType: "text/plain", Data: []byte(text)}, nil
		}
	}
	return llm.Artifact{Name: name, MimeType: mimeType, Data: data}, nil
}

func (r *Resolver) read(ctx context.Context, key string) ([]byte, error) {
	if r.Store == nil {
		return nil, errors.New("artifacts: object store not configured")
	}
	body, err := r.Store.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer body.Close()

	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, key, limit)
	}
	return data, nil
}
