package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	collyfetcher "github.com/JakeFAU/coverwatch/internal/fetcher/colly"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/storage/local"
	"github.com/JakeFAU/coverwatch/internal/storage/memory"
)

type assetOrigin struct {
	mu       sync.Mutex
	requests []string
}

func (o *assetOrigin) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/cover/tif/")
		o.mu.Lock()
		o.requests = append(o.requests, id)
		o.mu.Unlock()
		switch id {
		case "500":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "404":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("TIFF:" + id))
		}
	})
}

func (o *assetOrigin) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

func newGate(t *testing.T) *gate.Gate {
	t.Helper()
	g, err := gate.New(gate.Config{Capacity: 4})
	require.NoError(t, err)
	return g
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "9781974700000.tif.2024-05-01", ArtifactName("9781974700000", "tif", "2024-05-01"))
}

func TestDownloadWritesArtifacts(t *testing.T) {
	t.Parallel()

	origin := &assetOrigin{}
	srv := httptest.NewServer(origin.handler())
	t.Cleanup(srv.Close)

	dir := filepath.Join(t.TempDir(), "covers")
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	d, err := New(Config{AssetURL: srv.URL + "/cover/tif/{id}"}, collyfetcher.New(collyfetcher.Config{}), blobs, newGate(t), nil)
	require.NoError(t, err)

	report := d.Download(context.Background(), []catalog.Identifier{"111", "500", "222", "404"}, "2024-05-01")
	require.Len(t, report.Saved, 2)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, catalog.Identifier("111"), report.Saved[0].ID)
	assert.Equal(t, catalog.Identifier("222"), report.Saved[1].ID)
	assert.Equal(t, catalog.Identifier("500"), report.Failed[0].ID)
	assert.Equal(t, catalog.Identifier("404"), report.Failed[1].ID)

	data, err := os.ReadFile(filepath.Join(dir, "111.tif.2024-05-01"))
	require.NoError(t, err)
	assert.Equal(t, "TIFF:111", string(data))
	assert.Equal(t, int64(len("TIFF:111")), report.Saved[0].Bytes)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDownloadOnlyRequestsGivenIDs(t *testing.T) {
	t.Parallel()

	origin := &assetOrigin{}
	srv := httptest.NewServer(origin.handler())
	t.Cleanup(srv.Close)
	blobs := memory.NewBlobStore()

	d, err := New(Config{AssetURL: srv.URL + "/cover/tif/{id}", Extension: ".png"}, collyfetcher.New(collyfetcher.Config{}), blobs, newGate(t), nil)
	require.NoError(t, err)

	report := d.Download(context.Background(), nil, "2024-05-01")
	assert.Empty(t, report.Saved)
	assert.Empty(t, report.Failed)
	assert.Empty(t, origin.seen())

	report = d.Download(context.Background(), []catalog.Identifier{"7"}, "2024-05-02")
	require.Len(t, report.Saved, 1)
	assert.Equal(t, []string{"7.png.2024-05-02"}, blobs.Keys())
	assert.Equal(t, []string{"7"}, origin.seen())
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestDownloadWriteFailureReported(t *testing.T) {
	t.Parallel()

	origin := &assetOrigin{}
	srv := httptest.NewServer(origin.handler())
	t.Cleanup(srv.Close)

	d, err := New(Config{AssetURL: srv.URL + "/cover/tif/{id}"}, collyfetcher.New(collyfetcher.Config{}), failingBlobs{}, newGate(t), nil)
	require.NoError(t, err)

	report := d.Download(context.Background(), []catalog.Identifier{"1"}, "2024-05-01")
	assert.Empty(t, report.Saved)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Reason, "disk full")
}

func TestDownloadCanceledContext(t *testing.T) {
	t.Parallel()

	d, err := New(Config{}, collyfetcher.New(collyfetcher.Config{}), memory.NewBlobStore(), newGate(t), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := d.Download(ctx, []catalog.Identifier{"1", "2"}, "2024-05-01")
	assert.Empty(t, report.Saved)
	assert.Len(t, report.Failed, 2)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{AssetURL: "https://x/none"}, collyfetcher.New(collyfetcher.Config{}), memory.NewBlobStore(), newGate(t), nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, memory.NewBlobStore(), newGate(t), nil)
	require.Error(t, err)
	_, err = New(Config{}, collyfetcher.New(collyfetcher.Config{}), nil, newGate(t), nil)
	require.Error(t, err)
}
