package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/server"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tilestore"
)

// loadClient reads client.yaml and checks the server URL.
func loadClient() (*config.Client, error) {
	cfg, err := loadService[config.Client](config.ServiceClient)
	if err != nil {
		return nil, err
	}
	if cfg.Server == "" {
		return nil, errors.New("client: server is not set; use 'opgraph config set client server <url>'")
	}
	if cfg.TwitterID != "" {
		if _, err := node.ParseID(cfg.TwitterID); err != nil {
			return nil, fmt.Errorf("client: twitter_id: %w", err)
		}
	}
	return cfg, nil
}

// authHeader carries the configured identity, nil for anonymous clients.
func authHeader(cfg *config.Client) http.Header {
	if cfg.TwitterID == "" {
		return nil
	}
	h := http.Header{}
	h.Set(server.HeaderTwitterID, cfg.TwitterID)
	return h
}

// openTileStore opens the badger tile store of cfg, under the user cache
// directory when store_dir is empty.
func openTileStore(ctx context.Context, cfg *config.Client) (*tilestore.Store, func() error, error) {
	dir := cfg.StoreDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, fmt.Errorf("client: no cache directory: %w", err)
		}
		dir = filepath.Join(base, "opgraph", "tiles")
	}
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, nil, err
	}
	st, err := tilestore.Open(ctx, db, tilestore.Options{TTL: cfg.TileTTL.Or(tilestore.DefaultTTL)})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, db.Close, nil
}

// wsURL turns the server root into the websocket feed URL.
func wsURL(serverURL string) string {
	u := strings.TrimSuffix(serverURL, "/") + "/api/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

var apiClient = &http.Client{Timeout: 30 * time.Second}

// callAPI sends a JSON request to the graph API and decodes the answer
// into out. Error answers surface their "error" field.
func callAPI(ctx context.Context, cfg *config.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(cfg.Server, "/")+path, body)
	if err != nil {
		return err
	}
	for k, v := range authHeader(cfg) {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
