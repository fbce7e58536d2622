package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-backend/internal/shared/storage/object/local"
)

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func newResolver(t *testing.T, maxBytes int64) (*Resolver, *local.Store) {
	t.Helper()
	store := local.New(t.TempDir())
	return NewResolver(store, maxBytes), store
}

func TestSourceTextPlain(t *testing.T) {
	r, store := newResolver(t, 0)
	obj, err := store.Save(context.Background(), "user-1", "Vault.sol", strings.NewReader("contract Vault {}"))
	require.NoError(t, err)

	text, err := r.SourceText(context.Background(), obj.Key, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "contract Vault {}", text)
}

func TestSourceTextDOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document xmlns:w="x"><w:body><w:p><w:r><w:t>Clause one</w:t></w:r></w:p><w:p><w:r><w:t>Clause two</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, store := newResolver(t, 0)
	obj, err := store.Save(context.Background(), "user-1", "terms.docx", &buf)
	require.NoError(t, err)

	text, err := r.SourceText(context.Background(), obj.Key, "application/zip")
	require.NoError(t, err)
	assert.Equal(t, "Clause one\nClause two", text)
}

func TestSourceTextRejectsBinary(t *testing.T) {
	r, store := newResolver(t, 0)
	obj, err := store.Save(context.Background(), "user-1", "blob.bin", bytes.NewReader([]byte{0xff, 0xfe, 0x00, 0x81}))
	require.NoError(t, err)

	_, err = r.SourceText(context.Background(), obj.Key, "application/octet-stream")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestArtifactImageKeepsBytes(t *testing.T) {
	r, store := newResolver(t, 0)
	obj, err := store.Save(context.Background(), "user-1", "home.png", bytes.NewReader(pngPixel))
	require.NoError(t, err)

	a, err := r.Artifact(context.Background(), obj.Key, "", "Home screen")
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.MimeType)
	assert.Equal(t, "Home screen", a.Name)
	assert.True(t, a.IsImage())
	assert.Equal(t, pngPixel, a.Data)
}

func TestArtifactTextDocument(t *testing.T) {
	r, store := newResolver(t, 0)
	obj, err := store.Save(context.Background(), "user-1", "notes.md", strings.NewReader("# Flows"))
	require.NoError(t, err)

	a, err := r.Artifact(context.Background(), obj.Key, "text/markdown", "")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", a.MimeType)
	assert.Equal(t, "# Flows", string(a.Data))
	assert.True(t, strings.HasSuffix(a.Name, "notes.md"))
}

func TestResolverErrors(t *testing.T) {
	r, store := newResolver(t, 4)

	_, err := r.SourceText(context.Background(), "missing/key.txt", "text/plain")
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	obj, err := store.Save(context.Background(), "user-1", "big.txt", strings.NewReader("too large"))
	require.NoError(t, err)
	_, err = r.SourceText(context.Background(), obj.Key, "text/plain")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNormalizeMimeTypeSniffsPDF(t *testing.T) {
	assert.Equal(t, mimePDF, normalizeMimeType("application/octet-stream", "x", []byte("%PDF-1.7 ...")))
	assert.Equal(t, mimePDF, normalizeMimeType("", "report.PDF", []byte("??")))
	assert.Equal(t, "text/plain", normalizeMimeType("text/plain; charset=utf-8", "a.txt", []byte("hi")))
}
