package listing

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/token"
)

type recordingFetcher struct {
	mu    sync.Mutex
	resp  catalog.FetchResponse
	err   error
	forms []url.Values
}

func (f *recordingFetcher) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = append(f.forms, req.Form)
	return f.resp, f.err
}

const sampleBody = `{"success":true,"data":{"content":"<div class=\"grid\">` +
	`<div class=\"item\" data-isbn=\"9781974700000\"><a href=\"#\">One</a></div>` +
	`<div class=\"item\" data-isbn=\"9781974700017\"></div>` +
	`<div class=\"item\" data-isbn=\"n/a\"></div>` +
	`<span data-isbn=\"9781974700024\"></span></div>"}}`

func TestPageExtractsIdentifiersInOrder(t *testing.T) {
	t.Parallel()

	fetcher := &recordingFetcher{resp: catalog.FetchResponse{StatusCode: http.StatusOK, Body: []byte(sampleBody)}}
	p, err := New(Config{
		Endpoint:   "https://example.com/admin-ajax.php",
		TokenField: "product_load_nonce",
		Fields:     map[string]string{"action": "get_product_list", "isbns": "[]"},
	}, fetcher, token.Static("nonce-1"))
	require.NoError(t, err)

	ids, err := p.Page(context.Background(), 72)
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{"9781974700000", "9781974700017", "9781974700024"}, ids)

	require.Len(t, fetcher.forms, 1)
	form := fetcher.forms[0]
	assert.Equal(t, "72", form.Get("start"))
	assert.Equal(t, "36", form.Get("rows"))
	assert.Equal(t, "nonce-1", form.Get("product_load_nonce"))
	assert.Equal(t, "get_product_list", form.Get("action"))
	assert.Equal(t, "[]", form.Get("isbns"))
}

func TestPageEmptyContentIsNotAnError(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"data":{"content":""}}`, `{"data":{}}`, `{}`, `{"data":{"content":"<p>none</p>"}}`} {
		fetcher := &recordingFetcher{resp: catalog.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}}
		p, err := New(Config{Endpoint: "https://example.com"}, fetcher, nil)
		require.NoError(t, err)

		ids, err := p.Page(context.Background(), 0)
		require.NoError(t, err, body)
		assert.Empty(t, ids, body)
	}
}

func TestPageFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fetcher *recordingFetcher
		tokens  catalog.TokenSource
		target  error
	}{
		{
			name:    "malformed json",
			fetcher: &recordingFetcher{resp: catalog.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html>oops")}},
			target:  ErrMalformedResponse,
		},
		{
			name:    "bad status",
			fetcher: &recordingFetcher{resp: catalog.FetchResponse{StatusCode: http.StatusBadGateway}},
		},
		{
			name:    "transport",
			fetcher: &recordingFetcher{err: errors.New("connection reset")},
		},
		{
			name:    "token",
			fetcher: &recordingFetcher{},
			tokens:  token.Static(""),
			target:  token.ErrEmptyToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(Config{Endpoint: "https://example.com", TokenField: "nonce"}, tt.fetcher, tt.tokens)
			require.NoError(t, err)
			ids, err := p.Page(context.Background(), 36)
			require.Error(t, err)
			assert.Empty(t, ids)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestExtractIdentifiersCustomAttribute(t *testing.T) {
	t.Parallel()

	ids, err := ExtractIdentifiers(`<li data-sku="123"></li><li data-sku="456"></li><li data-isbn="789"></li>`, "data-sku")
	require.NoError(t, err)
	assert.Equal(t, []catalog.Identifier{"123", "456"}, ids)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &recordingFetcher{}, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "https://example.com"}, nil, nil)
	require.Error(t, err)
}
