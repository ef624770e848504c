package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
)

// Engine executes a compiled statement. The whole result is decoded before
// it returns, so a failure never yields a partial batch.
type Engine interface {
	Query(ctx context.Context, st Statement) (*columnar.Batch, error)
}

// HTTPEngine posts statements to a DuckDB server speaking the mosaic
// protocol and asks for JSON rows. It accepts only Inline statements.
type HTTPEngine struct {
	// URL is the query endpoint.
	URL string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client

	// Retries is the number of extra attempts after a transport error or
	// a 5xx answer.
	Retries uint64
}

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

type mosaicRequest struct {
	Type string `json:"type"`
	SQL  string `json:"sql"`
}

func (e *HTTPEngine) Query(ctx context.Context, st Statement) (*columnar.Batch, error) {
	if len(st.Args) > 0 {
		return nil, errors.New("query: http engine needs an inline statement")
	}
	body, err := json.Marshal(mosaicRequest{Type: "json", SQL: st.SQL})
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	op := func() error {
		var err error
		rows, err = e.post(ctx, body)
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Status != 0 && ue.Status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, e.Retries), ctx),
		func(err error, d time.Duration) {
			slog.Warn("query: upstream retry", "err", err, "in", d)
		})
	if err != nil {
		return nil, err
	}

	var cols []string
	if len(rows) > 0 {
		for k := range rows[0] {
			cols = append(cols, k)
		}
	}
	bb := newBatchBuilder(cols, len(rows))
	for i, row := range rows {
		if err := bb.add(func(col string) any { return row[col] }); err != nil {
			return nil, &UpstreamError{Err: fmt.Errorf("row %d: %w", i, err)}
		}
	}
	return bb.batch, nil
}

func (e *HTTPEngine) post(ctx context.Context, body []byte) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.APIKey != "" {
		req.Header.Set("X-API-Key", e.APIKey)
	}

	client := e.Client
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Status: resp.StatusCode, Err: errors.New(string(bytes.TrimSpace(msg)))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("decode rows: %w", err)}
	}
	return rows, nil
}

// SQLEngine runs Postgres statements through database/sql.
type SQLEngine struct {
	DB *sql.DB
}

// OpenSQL opens a lib/pq connection pool.
func OpenSQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("query: open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func (e *SQLEngine) Query(ctx context.Context, st Statement) (*columnar.Batch, error) {
	rows, err := e.DB.QueryContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	get := func(col string) any {
		if i, ok := index[col]; ok {
			return vals[i]
		}
		return nil
	}

	bb := newBatchBuilder(cols, 0)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &UpstreamError{Err: err}
		}
		if err := bb.add(get); err != nil {
			return nil, &UpstreamError{Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &UpstreamError{Err: err}
	}
	return bb.batch, nil
}
