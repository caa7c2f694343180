package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "index.html"), []byte("<h1>hi</h1>"), 0o644))
	return root
}

func TestServer_ServesFile(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	s.ServeHTTP(w, r, "hello.txt")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("ETag"))
}

func TestServer_DirFallsBackToIndex(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/sub", nil)
	s.ServeHTTP(w, r, "sub")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>hi</h1>", w.Body.String())
}

func TestServer_MissingFile404(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nope.txt", nil)
	s.ServeHTTP(w, r, "nope.txt")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_TraversalRejected(t *testing.T) {
	root := setupRoot(t)
	// a file living just outside root, reachable only by escaping it
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "secret.txt"), []byte("nope"), 0o644))

	s, err := New(root)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/../secret.txt", nil)
	s.ServeHTTP(w, r, "../secret.txt")

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_SymlinkEscapeRejected(t *testing.T) {
	root := setupRoot(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	s, err := New(root)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/link.txt", nil)
	s.ServeHTTP(w, r, "link.txt")

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_ETagConditional304(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/hello.txt", nil), "hello.txt")
	etag := w1.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r2.Header.Set("If-None-Match", etag)
	s.ServeHTTP(w2, r2, "hello.txt")

	assert.Equal(t, http.StatusNotModified, w2.Code)
}

func TestServer_RangeRequest(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=0-4")
	s.ServeHTTP(w, r, "hello.txt")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "bytes 0-4/11", w.Header().Get("Content-Range"))
}

func TestServer_RangeSuffix(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=-5")
	s.ServeHTTP(w, r, "hello.txt")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "world", w.Body.String())
}

func TestServer_MultiRangeRejected(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=0-1,3-4")
	s.ServeHTTP(w, r, "hello.txt")

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func TestServer_UnsatisfiableRangeRejected(t *testing.T) {
	s, err := New(setupRoot(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=1000-2000")
	s.ServeHTTP(w, r, "hello.txt")

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}
