// Package probe reads quarantine health from Prometheus. Queries are
// text/template PromQL expressions rendered per environment.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/linnemanlabs/palisade/internal/quarantine"
)

const (
	maxResponseBytes = 1 << 20
	successStatus    = "success"
)

// ErrNoSample is returned when a query yields an empty vector.
var ErrNoSample = errors.New("query returned no samples")

// Config configures a Prometheus probe.
type Config struct {
	Endpoint string
	TenantID string
	// EffectivenessQuery and AnomalyQuery are PromQL templates. They may
	// reference {{.QuarantineID}}, {{.TargetAgent}} and {{.Level}}.
	EffectivenessQuery string
	AnomalyQuery       string
	Timeout            time.Duration
}

type queryVars struct {
	QuarantineID string
	TargetAgent  string
	Level        string
}

// Prometheus is a quarantine.HealthProbe backed by instant PromQL queries.
type Prometheus struct {
	endpoint      string
	tenantID      string
	effectiveness *template.Template
	anomaly       *template.Template
	httpClient    *http.Client
}

var _ quarantine.HealthProbe = (*Prometheus)(nil)

// NewPrometheus parses both query templates and returns a probe.
func NewPrometheus(c Config) (*Prometheus, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return nil, errors.New("prometheus endpoint is required")
	}
	if _, err := url.Parse(c.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	eff, err := template.New("effectiveness").Option("missingkey=error").Parse(c.EffectivenessQuery)
	if err != nil {
		return nil, fmt.Errorf("parse effectiveness query: %w", err)
	}
	anom, err := template.New("anomaly").Option("missingkey=error").Parse(c.AnomalyQuery)
	if err != nil {
		return nil, fmt.Errorf("parse anomaly query: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prometheus{
		endpoint:      c.Endpoint,
		tenantID:      c.TenantID,
		effectiveness: eff,
		anomaly:       anom,
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *Prometheus) Effectiveness(ctx context.Context, env quarantine.Environment) (float64, error) {
	return p.query(ctx, p.effectiveness, env)
}

func (p *Prometheus) Anomaly(ctx context.Context, env quarantine.Environment) (float64, error) {
	return p.query(ctx, p.anomaly, env)
}

// Render returns the PromQL a template produces for env.
func Render(t *template.Template, env quarantine.Environment) (string, error) {
	var b strings.Builder
	err := t.Execute(&b, queryVars{
		QuarantineID: string(env.ID),
		TargetAgent:  env.TargetAgent,
		Level:        env.Level.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render %s query: %w", t.Name(), err)
	}
	return b.String(), nil
}

func (p *Prometheus) query(ctx context.Context, t *template.Template, env quarantine.Environment) (float64, error) {
	expr, err := Render(t, env)
	if err != nil {
		return 0, err
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return 0, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/query")
	q := u.Query()
	q.Set("query", expr)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if p.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", p.tenantID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, string(body))
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Value []json.RawMessage `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return 0, fmt.Errorf("parse response: %w", err)
	}
	if promResp.Status != successStatus {
		return 0, fmt.Errorf("prometheus query failed: %s", string(body))
	}
	if promResp.Data.ResultType != "vector" {
		return 0, fmt.Errorf("%s query: unexpected result type %q", t.Name(), promResp.Data.ResultType)
	}
	if len(promResp.Data.Result) == 0 {
		return 0, fmt.Errorf("%s query %q: %w", t.Name(), expr, ErrNoSample)
	}
	return sampleValue(promResp.Data.Result[0].Value)
}

// sampleValue decodes the [timestamp, "value"] pair of an instant sample.
func sampleValue(pair []json.RawMessage) (float64, error) {
	if len(pair) != 2 {
		return 0, fmt.Errorf("malformed sample: %d elements", len(pair))
	}
	var s string
	if err := json.Unmarshal(pair[1], &s); err != nil {
		return 0, fmt.Errorf("malformed sample value: %w", err)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed sample value: %w", err)
	}
	return v, nil
}
