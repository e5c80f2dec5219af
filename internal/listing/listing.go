// Package listing issues paginated catalog listing requests and extracts item
// identifiers from the markup fragment embedded in each response.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/coverwatch/internal/catalog"
)

// DefaultPageSize is the number of items the origin returns per listing page.
const DefaultPageSize = 36

// ErrMalformedResponse marks a listing body that is not the expected JSON payload.
var ErrMalformedResponse = errors.New("malformed listing response")

var digits = regexp.MustCompile(`^\d+$`)

// Config describes the listing endpoint and its fixed form fields.
type Config struct {
	Endpoint    string
	PageSize    int
	TokenField  string
	IDAttribute string
	// Fields are sent verbatim with every request (action, postId, filters, sort, ...).
	Fields map[string]string
}

// Paginator fetches one listing page per offset.
type Paginator struct {
	cfg     Config
	fetcher catalog.Fetcher
	tokens  catalog.TokenSource
}

// New builds a Paginator.
func New(cfg Config, fetcher catalog.Fetcher, tokens catalog.TokenSource) (*Paginator, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("listing endpoint is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.IDAttribute == "" {
		cfg.IDAttribute = "data-isbn"
	}
	return &Paginator{cfg: cfg, fetcher: fetcher, tokens: tokens}, nil
}

// PageSize returns the configured number of rows per page.
func (p *Paginator) PageSize() int {
	return p.cfg.PageSize
}

// Page requests the listing page starting at offset and returns its identifiers in
// document order. An empty slice with a nil error is a genuinely empty page.
func (p *Paginator) Page(ctx context.Context, offset int) ([]catalog.Identifier, error) {
	form, err := p.form(ctx, offset)
	if err != nil {
		return nil, err
	}
	resp, err := p.fetcher.Fetch(ctx, catalog.FetchRequest{URL: p.cfg.Endpoint, Form: form})
	if err != nil {
		return nil, fmt.Errorf("listing offset %d: %w", offset, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("listing offset %d: unexpected status %d", offset, resp.StatusCode)
	}
	content, err := decodeContent(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("listing offset %d: %w", offset, err)
	}
	ids, err := ExtractIdentifiers(content, p.cfg.IDAttribute)
	if err != nil {
		return nil, fmt.Errorf("listing offset %d: %w", offset, err)
	}
	return ids, nil
}

func (p *Paginator) form(ctx context.Context, offset int) (url.Values, error) {
	form := url.Values{}
	for k, v := range p.cfg.Fields {
		form.Set(k, v)
	}
	if p.tokens != nil && p.cfg.TokenField != "" {
		tok, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		form.Set(p.cfg.TokenField, tok)
	}
	form.Set("start", strconv.Itoa(offset))
	form.Set("rows", strconv.Itoa(p.cfg.PageSize))
	return form, nil
}

type listingPayload struct {
	Data *struct {
		Content string `json:"content"`
	} `json:"data"`
}

func decodeContent(body []byte) (string, error) {
	var payload listingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.Data == nil {
		return "", nil
	}
	return payload.Data.Content, nil
}

// ExtractIdentifiers returns every digit-only value of attr in the markup, in order.
func ExtractIdentifiers(markup, attr string) ([]catalog.Identifier, error) {
	if strings.TrimSpace(markup) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse listing markup: %w", err)
	}
	var ids []catalog.Identifier
	doc.Find("[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr(attr); ok && digits.MatchString(v) {
			ids = append(ids, catalog.Identifier(v))
		}
	})
	return ids, nil
}
