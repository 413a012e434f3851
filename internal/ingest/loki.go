package ingest

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Source yields behavior records observed in [start, end).
type Source interface {
	Fetch(ctx context.Context, start, end time.Time) ([]Record, error)
}

// LokiSource reads behavior records from Loki. Every log line matched by
// the LogQL query must be a JSON-encoded Record; other lines are skipped.
type LokiSource struct {
	endpoint   string
	tenantID   string
	query      string
	limit      int
	logger     log.Logger
	httpClient *http.Client
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

const successStatus = "success"

// NewLokiSource creates a Loki-backed Source. limit caps lines per fetch
// and defaults to 1000.
func NewLokiSource(endpoint, tenantID, query string, limit int, logger log.Logger) *LokiSource {
	if limit <= 0 {
		limit = 1000
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &LokiSource{
		endpoint:   endpoint,
		tenantID:   tenantID,
		query:      query,
		limit:      limit,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch runs a forward range query and decodes matching lines, oldest first.
func (l *LokiSource) Fetch(ctx context.Context, start, end time.Time) ([]Record, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", l.query)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(l.limit))
	q.Set("direction", "forward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // endpoint comes from config
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("decode loki response: %w", err)
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	recs, skipped := decodeStreams(lokiResp.Data.Result)
	if skipped > 0 {
		l.logger.Warn(ctx, "loki lines skipped, not behavior records", "skipped", skipped, "query", l.query)
	}
	return recs, nil
}

// decodeStreams parses every line as a Record. A stream's network_id label
// fills in records that carry none.
func decodeStreams(results []lokiStream) ([]Record, int) {
	type stamped struct {
		ns  int64
		rec Record
	}
	var all []stamped
	skipped := 0
	for _, stream := range results {
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				skipped++
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(entry[1]), &rec); err != nil || rec.TargetNode == "" {
				skipped++
				continue
			}
			ns, err := strconv.ParseInt(entry[0], 10, 64)
			if err != nil {
				skipped++
				continue
			}
			if rec.NetworkID == "" {
				rec.NetworkID = stream.Stream["network_id"]
			}
			if rec.Timestamp.IsZero() {
				rec.Timestamp = time.Unix(0, ns).UTC()
			}
			all = append(all, stamped{ns: ns, rec: rec})
		}
	}
	// Streams come back one after another; interleave them by time.
	slices.SortStableFunc(all, func(a, b stamped) int { return cmp.Compare(a.ns, b.ns) })
	out := make([]Record, len(all))
	for i, s := range all {
		out[i] = s.rec
	}
	return out, skipped
}
