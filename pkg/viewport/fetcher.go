package viewport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/cachepolicy"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tilestore"
)

// API paths served by pkg/server.
const (
	TilesPath      = "/api/graph/v3/tiles"
	AuthBasePath   = "/api/graph/v3/auth/base-nodes"
	PublicBasePath = "/api/graph/base-nodes"
)

// HTTPFetcher loads node sets from the graph API.
type HTTPFetcher struct {
	// BaseURL is the server root, e.g. https://graph.example.org.
	BaseURL string

	// Header is added to every request. Setting credentials here selects
	// the authenticated base node endpoint when Authenticated is true.
	Header        http.Header
	Authenticated bool

	// BaseLimit is passed as the base node limit when positive.
	BaseLimit int

	// Client defaults to an http.Client with a 60s timeout.
	Client *http.Client

	// Store, when set, follows the X-Graph-Version of every response so
	// tiles cached under an older layout stop being served.
	Store *tilestore.Store
}

var defaultClient = &http.Client{Timeout: 60 * time.Second}

// APIError is a non-2xx answer of the graph API.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("viewport: server answered %d: %s", e.Status, e.Reason)
}

func (f *HTTPFetcher) FetchBase(ctx context.Context) (*columnar.Batch, error) {
	path := PublicBasePath
	if f.Authenticated {
		path = AuthBasePath
	}
	v := url.Values{}
	if f.BaseLimit > 0 {
		v.Set("limit", strconv.Itoa(f.BaseLimit))
	}
	resp, err := f.get(ctx, path, v)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := columnar.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if b.DegreeCeiling == nil {
		if h := resp.Header.Get(cachepolicy.HeaderDegreeCeiling); h != "" {
			if c, err := strconv.ParseFloat(h, 64); err == nil {
				b.DegreeCeiling = &c
			}
		}
	}
	return b, nil
}

func (f *HTTPFetcher) FetchTile(ctx context.Context, q query.TileQuery) ([]node.Node, error) {
	v := url.Values{}
	v.Set("z", strconv.Itoa(q.Key.Zoom))
	v.Set("gx", strconv.Itoa(q.Key.GX))
	v.Set("gy", strconv.Itoa(q.Key.GY))
	v.Set("band", strconv.Itoa(q.Key.Band))
	v.Set("ceiling", strconv.FormatFloat(q.Ceiling, 'f', -1, 64))
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	resp, err := f.get(ctx, TilesPath, v)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.Header.Get(cachepolicy.HeaderTileEmpty) == "true" {
		return []node.Node{}, nil
	}
	b, err := columnar.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	return b.Nodes()
}

func (f *HTTPFetcher) get(ctx context.Context, path string, v url.Values) (*http.Response, error) {
	u := strings.TrimSuffix(f.BaseURL, "/") + path
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vals := range f.Header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}
	req.Header.Set("Accept", columnar.ContentType)

	client := f.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Status: resp.StatusCode, Reason: body.Error}
	}
	f.followVersion(ctx, resp.Header.Get(cachepolicy.HeaderGraphVersion))
	return resp, nil
}

func (f *HTTPFetcher) followVersion(ctx context.Context, v string) {
	if f.Store == nil || v == "" {
		return
	}
	if _, err := f.Store.SetGraphVersion(ctx, v); err != nil {
		slog.Warn("viewport: graph version not saved", "version", v, "err", err)
	}
}
