package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/crawl"
	"github.com/JakeFAU/coverwatch/internal/download"
	collyfetcher "github.com/JakeFAU/coverwatch/internal/fetcher/colly"
	"github.com/JakeFAU/coverwatch/internal/fingerprint"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/hash/md5"
	"github.com/JakeFAU/coverwatch/internal/id/uuid"
	"github.com/JakeFAU/coverwatch/internal/listing"
	"github.com/JakeFAU/coverwatch/internal/progress"
	"github.com/JakeFAU/coverwatch/internal/publisher/memory"
	"github.com/JakeFAU/coverwatch/internal/storage/catalogfile"
	"github.com/JakeFAU/coverwatch/internal/storage/local"
)

const isbn = catalog.Identifier("9780000000001")

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var today = fixedClock{now: time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)}

type staticCrawler struct {
	ids []catalog.Identifier
	err error
}

func (c staticCrawler) Crawl(context.Context) (crawl.Result, error) {
	return crawl.Result{Identifiers: c.ids, Batches: 2}, c.err
}

// digestFingerprinter returns canned digests; identifiers without one are unknown.
type digestFingerprinter map[catalog.Identifier]string

func (d digestFingerprinter) Fingerprint(_ context.Context, ids []catalog.Identifier) []catalog.Fingerprint {
	out := make([]catalog.Fingerprint, len(ids))
	for i, id := range ids {
		digest, ok := d[id]
		out[i] = catalog.Fingerprint{ID: id, Digest: digest, OK: ok}
	}
	return out
}

type recordingDownloader struct {
	mu    sync.Mutex
	calls [][]catalog.Identifier
}

func (r *recordingDownloader) Download(_ context.Context, ids []catalog.Identifier, date string) download.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]catalog.Identifier(nil), ids...))
	var report download.Report
	for _, id := range ids {
		name := download.ArtifactName(id, "tif", date)
		report.Saved = append(report.Saved, download.Artifact{ID: id, Name: name, URI: "memory://" + name})
	}
	return report
}

func (r *recordingDownloader) downloaded() []catalog.Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []catalog.Identifier
	for _, c := range r.calls {
		out = append(out, c...)
	}
	return out
}

type memStore struct {
	store   catalog.Store
	saves   int
	saveErr error
}

func (m *memStore) Load(context.Context) (catalog.Store, error) {
	if m.store == nil {
		return catalog.NewStore(), nil
	}
	return m.store.Clone(), nil
}

func (m *memStore) Save(_ context.Context, s catalog.Store) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.store = s.Clone()
	return nil
}

type fakeLedger struct {
	obs []catalog.Observation
	err error
}

func (l *fakeLedger) Append(_ context.Context, obs []catalog.Observation) error {
	l.obs = append(l.obs, obs...)
	return l.err
}

func (l *fakeLedger) Close() error { return nil }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

func newPipeline(t *testing.T, cfg Config, deps Deps) *Pipeline {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = today
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	_, err = New(Config{}, Deps{
		Store:       &memStore{},
		Crawler:     staticCrawler{},
		Fingerprint: digestFingerprinter{},
		Downloader:  &recordingDownloader{},
		Clock:       today,
		IDs:         uuid.NewUUIDGenerator(),
		Publisher:   memory.New(0),
	})
	require.ErrorContains(t, err, "notify topic")
}

func TestRunNewIdentifier(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{ids: []catalog.Identifier{isbn}},
		Fingerprint: digestFingerprinter{isbn: "abc123"},
		Downloader:  dl,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-17", sum.Date)
	assert.Equal(t, []catalog.Identifier{isbn}, sum.Changed)
	assert.Equal(t, catalog.Store{isbn: {{Date: "2024-05-17", Hash: "abc123"}}}, store.store)
	assert.Equal(t, []catalog.Identifier{isbn}, dl.downloaded())
	require.Len(t, sum.Downloaded, 1)
	assert.Equal(t, "9780000000001.tif.2024-05-17", sum.Downloaded[0].Name)
}

func TestRunUnchangedDigest(t *testing.T) {
	t.Parallel()

	initial := catalog.Store{isbn: {{Date: "2023-01-01", Hash: "abc123"}}}
	store := &memStore{store: initial.Clone()}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{ids: []catalog.Identifier{isbn}},
		Fingerprint: digestFingerprinter{isbn: "abc123"},
		Downloader:  dl,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Changed)
	assert.Equal(t, initial, store.store)
	assert.Empty(t, dl.calls)
}

func TestRunChangedDigestAppends(t *testing.T) {
	t.Parallel()

	store := &memStore{store: catalog.Store{isbn: {{Date: "2023-01-01", Hash: "abc123"}}}}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{ids: []catalog.Identifier{isbn}},
		Fingerprint: digestFingerprinter{isbn: "def456"},
		Downloader:  dl,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{isbn}, sum.Changed)
	assert.Equal(t, catalog.Entry{
		{Date: "2023-01-01", Hash: "abc123"},
		{Date: "2024-05-17", Hash: "def456"},
	}, store.store[isbn])
	assert.Equal(t, []catalog.Identifier{isbn}, dl.downloaded())
}

func TestRunEmptyCatalogHaltsAfterOneBatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var offsets []int
	empty := pageFunc(func(_ context.Context, offset int) ([]catalog.Identifier, error) {
		mu.Lock()
		defer mu.Unlock()
		offsets = append(offsets, offset)
		return nil, nil
	})
	g, err := gate.New(gate.Config{Capacity: 100})
	require.NoError(t, err)
	crawler, err := crawl.New(crawl.Config{BatchSize: 100, Stride: listing.DefaultPageSize}, empty, g, nil, nil)
	require.NoError(t, err)

	store := &memStore{}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     crawler,
		Fingerprint: digestFingerprinter{},
		Downloader:  dl,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Batches)
	assert.Zero(t, sum.Seen)
	assert.Empty(t, sum.Changed)
	assert.Empty(t, store.store)
	assert.Empty(t, dl.calls)
	require.Len(t, offsets, 100)
	mu.Lock()
	defer mu.Unlock()
	seen := make(map[int]bool, len(offsets))
	for _, o := range offsets {
		seen[o] = true
	}
	for i := 0; i < 100; i++ {
		assert.True(t, seen[i*listing.DefaultPageSize], "offset %d", i*listing.DefaultPageSize)
	}
}

func TestRunUnknownFingerprintsLeaveStoreUntouched(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{ids: []catalog.Identifier{"1", "2", "3"}},
		Fingerprint: digestFingerprinter{"2": "bb"},
		Downloader:  dl,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Seen)
	assert.Equal(t, 1, sum.Fingerprinted)
	assert.Equal(t, 2, sum.Unknown)
	assert.Equal(t, []catalog.Identifier{"2"}, sum.Changed)
	assert.Len(t, store.store, 1)
}

func TestRunIdempotentOnFileStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.json")
	repo, err := catalogfile.New(path, nil)
	require.NoError(t, err)
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       repo,
		Crawler:     staticCrawler{ids: []catalog.Identifier{"3", "1", "2"}},
		Fingerprint: digestFingerprinter{"1": "aa", "2": "bb", "3": "cc"},
		Downloader:  dl,
	})

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{"1", "2", "3"}, first.Changed)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Changed)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, dl.calls, 1)
	assert.NotEqual(t, first.CycleID, second.CycleID)
}

func TestRunSaveFailureIsFatal(t *testing.T) {
	t.Parallel()

	events := &captureEmitter{}
	dl := &recordingDownloader{}
	p := newPipeline(t, Config{}, Deps{
		Store:       &memStore{saveErr: errors.New("disk full")},
		Crawler:     staticCrawler{ids: []catalog.Identifier{isbn}},
		Fingerprint: digestFingerprinter{isbn: "abc123"},
		Downloader:  dl,
		Events:      events,
	})

	sum, err := p.Run(context.Background())
	require.ErrorContains(t, err, "disk full")
	assert.Empty(t, dl.calls)
	assert.Contains(t, sum.Error, "save store")
	stages := events.stages()
	assert.Equal(t, progress.StageCycleStart, stages[0])
	assert.Equal(t, progress.StageCycleError, stages[len(stages)-1])

	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, sum.CycleID, last.CycleID)
}

func TestRunCrawlErrorIsFatal(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{err: context.Canceled},
		Fingerprint: digestFingerprinter{},
		Downloader:  &recordingDownloader{},
	})

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.saves)
}

func TestRunLedgerAndNotification(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{err: errors.New("ledger offline")}
	pub := memory.New(10)
	events := &captureEmitter{}
	p := newPipeline(t, Config{NotifyTopic: "cycles"}, Deps{
		Store:       &memStore{store: catalog.Store{"1": {{Date: "2023-01-01", Hash: "old"}}}},
		Crawler:     staticCrawler{ids: []catalog.Identifier{"1", "2"}},
		Fingerprint: digestFingerprinter{"1": "new", "2": "fresh"},
		Downloader:  &recordingDownloader{},
		Ledger:      ledger,
		Publisher:   pub,
		Events:      events,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err, "ledger failures must not fail the cycle")

	require.Len(t, ledger.obs, 2)
	for _, obs := range ledger.obs {
		assert.Equal(t, sum.CycleID, obs.CycleID)
		assert.Equal(t, "2024-05-17", obs.Record.Date)
	}
	assert.False(t, ledger.obs[0].New)
	assert.True(t, ledger.obs[1].New)

	msg, ok := pub.Last()
	require.True(t, ok)
	assert.Equal(t, "cycles", msg.Topic)
	published, ok := msg.Payload.(Summary)
	require.True(t, ok)
	assert.Equal(t, sum.CycleID, published.CycleID)
	assert.Equal(t, []catalog.Identifier{"1", "2"}, published.Changed)

	stages := events.stages()
	assert.Contains(t, stages, progress.StageChange)
	assert.Contains(t, stages, progress.StageStoreSaved)
	assert.Equal(t, progress.StageCycleDone, stages[len(stages)-1])
}

type blockingCrawler struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingCrawler) Crawl(ctx context.Context) (crawl.Result, error) {
	close(b.entered)
	select {
	case <-b.release:
		return crawl.Result{Batches: 1}, nil
	case <-ctx.Done():
		return crawl.Result{}, ctx.Err()
	}
}

func TestRunRejectsConcurrentCycles(t *testing.T) {
	t.Parallel()

	crawler := blockingCrawler{entered: make(chan struct{}), release: make(chan struct{})}
	p := newPipeline(t, Config{}, Deps{
		Store:       &memStore{},
		Crawler:     crawler,
		Fingerprint: digestFingerprinter{},
		Downloader:  &recordingDownloader{},
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()
	<-crawler.entered
	assert.True(t, p.Running())

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrCycleRunning)

	close(crawler.release)
	require.NoError(t, <-done)
	assert.False(t, p.Running())
}

type pageFunc func(ctx context.Context, offset int) ([]catalog.Identifier, error)

func (f pageFunc) Page(ctx context.Context, offset int) ([]catalog.Identifier, error) {
	return f(ctx, offset)
}

// catalogOrigin serves a listing endpoint, probe images and full assets.
type catalogOrigin struct {
	ids      []string
	pageSize int
	covers   map[string]string

	active atomic.Int64
	peak   atomic.Int64

	mu     sync.Mutex
	assets []string
}

func (o *catalogOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := o.active.Add(1)
	defer o.active.Add(-1)
	for {
		cur := o.peak.Load()
		if n <= cur || o.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	switch {
	case r.URL.Path == "/listing":
		o.serveListing(w, r)
	case strings.HasPrefix(r.URL.Path, "/cover/tif/"):
		id := strings.TrimPrefix(r.URL.Path, "/cover/tif/")
		o.mu.Lock()
		o.assets = append(o.assets, id)
		o.mu.Unlock()
		_, _ = w.Write([]byte("TIFF:" + o.covers[id]))
	case strings.HasPrefix(r.URL.Path, "/cover/"):
		id := strings.TrimPrefix(r.URL.Path, "/cover/")
		cover, ok := o.covers[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(cover))
	default:
		http.NotFound(w, r)
	}
}

func (o *catalogOrigin) serveListing(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, err := strconv.Atoi(r.PostForm.Get("start"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var b strings.Builder
	for i := start; i < start+o.pageSize && i < len(o.ids); i++ {
		fmt.Fprintf(&b, `<div class=\"product\" data-isbn=\"%s\"></div>`, o.ids[i])
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"success":true,"data":{"content":"%s"}}`, b.String())
}

func (o *catalogOrigin) downloaded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.assets...)
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	origin := &catalogOrigin{pageSize: 3, covers: map[string]string{}}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("978000000%04d", i)
		origin.ids = append(origin.ids, id)
		origin.covers[id] = "cover-" + id
	}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)

	const capacity = 4
	g, err := gate.New(gate.Config{Capacity: capacity})
	require.NoError(t, err)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})

	pages, err := listing.New(listing.Config{Endpoint: srv.URL + "/listing", PageSize: origin.pageSize}, fetcher, nil)
	require.NoError(t, err)
	crawler, err := crawl.New(crawl.Config{BatchSize: 2, Stride: origin.pageSize}, pages, g, nil, nil)
	require.NoError(t, err)
	probes, err := fingerprint.New(fingerprint.Config{ProbeURL: srv.URL + "/cover/{id}?height=1"}, fetcher, md5.New(), g, nil)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "covers")
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	downloader, err := download.New(download.Config{AssetURL: srv.URL + "/cover/tif/{id}"}, fetcher, blobs, g, nil)
	require.NoError(t, err)

	repo, err := catalogfile.New(filepath.Join(t.TempDir(), "data.json"), nil)
	require.NoError(t, err)
	p := newPipeline(t, Config{ArtifactDir: dir}, Deps{
		Store:       repo,
		Crawler:     crawler,
		Fingerprint: probes,
		Downloader:  downloader,
	})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Seen)
	assert.Len(t, sum.Changed, 10)
	assert.Len(t, sum.Downloaded, 10)
	assert.Empty(t, sum.DownloadFailures)
	assert.LessOrEqual(t, g.Peak(), capacity)
	assert.LessOrEqual(t, origin.peak.Load(), int64(capacity))

	data, err := os.ReadFile(filepath.Join(dir, "9780000000003.tif.2024-05-17"))
	require.NoError(t, err)
	assert.Equal(t, "TIFF:cover-9780000000003", string(data))

	// One cover changes; only that identifier is downloaded again.
	origin.covers["9780000000007"] = "cover-v2"
	before := len(origin.downloaded())
	sum, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{"9780000000007"}, sum.Changed)
	assert.Equal(t, []string{"9780000000007"}, origin.downloaded()[before:])

	stored, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored["9780000000007"], 2)
	assert.Len(t, stored["9780000000001"], 1)
}

// cancelOnSave cancels the caller's context right after the store is committed.
type cancelOnSave struct {
	memStore
	cancel context.CancelFunc
}

func (c *cancelOnSave) Save(ctx context.Context, s catalog.Store) error {
	err := c.memStore.Save(ctx, s)
	c.cancel()
	return err
}

func TestRunCompletesDownloadsAfterCallerCancels(t *testing.T) {
	t.Parallel()

	id := string(isbn)
	origin := &catalogOrigin{covers: map[string]string{id: "cover-v1"}}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)

	g, err := gate.New(gate.Config{Capacity: 2})
	require.NoError(t, err)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	dir := filepath.Join(t.TempDir(), "covers")
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	downloader, err := download.New(download.Config{AssetURL: srv.URL + "/cover/tif/{id}"}, fetcher, blobs, g, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnSave{cancel: cancel}
	p := newPipeline(t, Config{}, Deps{
		Store:       store,
		Crawler:     staticCrawler{ids: []catalog.Identifier{isbn}},
		Fingerprint: digestFingerprinter{isbn: "abc123"},
		Downloader:  downloader,
	})

	sum, err := p.Run(ctx)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, []catalog.Identifier{isbn}, sum.Changed)
	assert.Empty(t, sum.DownloadFailures)
	require.Len(t, sum.Downloaded, 1)
	assert.Equal(t, []string{id}, origin.downloaded())

	data, err := os.ReadFile(filepath.Join(dir, "9780000000001.tif.2024-05-17"))
	require.NoError(t, err)
	assert.Equal(t, "TIFF:cover-v1", string(data))
}
