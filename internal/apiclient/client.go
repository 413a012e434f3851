// Package apiclient is a typed client for the palisade HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/ledger"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

const maxResponseBytes = 4 << 20

// Error is a non-2xx API response.
type Error struct {
	Status    int
	Message   string `json:"error"`
	Reason    string `json:"reason"`
	RequestID string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("palisade api: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("palisade api: HTTP %d (%s): %s", e.Status, e.Reason, e.Message)
}

// Client talks to one palisade server.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New returns a client for the server at endpoint. token is sent as a
// bearer token when non-empty.
func New(endpoint, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: u, token: token, http: &http.Client{Timeout: timeout}}, nil
}

// URL resolves an API path against the endpoint.
func (c *Client) URL(p string, q url.Values) *url.URL {
	u := *c.base
	u.Path = path.Join(u.Path, "api/v1", p)
	u.RawQuery = q.Encode()
	return &u
}

// do sends one request. Writes carry a fresh X-Request-Id.
func (c *Client) do(ctx context.Context, method, p string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(p, q).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Request-Id")}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func network(id string) url.Values {
	q := url.Values{}
	if id != "" {
		q.Set("network", id)
	}
	return q
}

// IngestSignals posts a batch of behavior records.
func (c *Client) IngestSignals(ctx context.Context, recs []ingest.Record) (ingest.Result, error) {
	var res ingest.Result
	err := c.do(ctx, http.MethodPost, "signals", nil, map[string]any{"signals": recs}, &res)
	return res, err
}

// NetworkHealth returns the health of a network, the primary one when id is empty.
func (c *Client) NetworkHealth(ctx context.Context, id string) (topology.Health, error) {
	var h topology.Health
	err := c.do(ctx, http.MethodGet, "network/health", network(id), nil, &h)
	return h, err
}

// Nodes lists node snapshots.
func (c *Client) Nodes(ctx context.Context, id string) ([]node.Info, error) {
	var out struct {
		Nodes []node.Info `json:"nodes"`
	}
	err := c.do(ctx, http.MethodGet, "network/nodes", network(id), nil, &out)
	return out.Nodes, err
}

// Route returns the current path from src to dst, empty when none exists.
func (c *Client) Route(ctx context.Context, id string, src, dst node.ID) ([]node.ID, error) {
	q := network(id)
	q.Set("src", string(src))
	q.Set("dst", string(dst))
	var out struct {
		Path []node.ID `json:"path"`
	}
	err := c.do(ctx, http.MethodGet, "network/route", q, nil, &out)
	return out.Path, err
}

// Propose opens a consensus round.
func (c *Client) Propose(ctx context.Context, proposer node.ID, content json.RawMessage) (consensus.ProposalID, error) {
	var out struct {
		ID consensus.ProposalID `json:"proposal_id"`
	}
	err := c.do(ctx, http.MethodPost, "proposals", nil, map[string]any{"proposer": proposer, "content": content}, &out)
	return out.ID, err
}

// Vote casts a vote and returns the proposal's state afterwards.
func (c *Client) Vote(ctx context.Context, id consensus.ProposalID, voter node.ID, approve bool, reason string) (consensus.State, error) {
	var out struct {
		State consensus.State `json:"state"`
	}
	in := map[string]any{"voter": voter, "approve": approve}
	if reason != "" {
		in["reason"] = reason
	}
	err := c.do(ctx, http.MethodPost, path.Join("proposals", string(id), "votes"), nil, in, &out)
	return out.State, err
}

// Proposal fetches a proposal snapshot.
func (c *Client) Proposal(ctx context.Context, id consensus.ProposalID) (consensus.Proposal, error) {
	var p consensus.Proposal
	err := c.do(ctx, http.MethodGet, path.Join("proposals", string(id)), nil, nil, &p)
	return p, err
}

// Collusion returns the suspected colluding voter pairs.
func (c *Client) Collusion(ctx context.Context) ([]consensus.CollusionPair, error) {
	var out struct {
		Pairs []consensus.CollusionPair `json:"pairs"`
	}
	err := c.do(ctx, http.MethodGet, "consensus/collusion", nil, nil, &out)
	return out.Pairs, err
}

// ConsensusStats returns consensus statistics.
func (c *Client) ConsensusStats(ctx context.Context) (consensus.Stats, error) {
	var s consensus.Stats
	err := c.do(ctx, http.MethodGet, "consensus/stats", nil, nil, &s)
	return s, err
}

// CreateQuarantine asks for a new environment.
func (c *Client) CreateQuarantine(ctx context.Context, req quarantine.Request) (quarantine.CreateResult, error) {
	var res quarantine.CreateResult
	err := c.do(ctx, http.MethodPost, "quarantines", nil, req, &res)
	return res, err
}

// Quarantines lists environments, optionally only those holding target.
func (c *Client) Quarantines(ctx context.Context, target string) ([]quarantine.Environment, error) {
	q := url.Values{}
	if target != "" {
		q.Set("target", target)
	}
	var out struct {
		Quarantines []quarantine.Environment `json:"quarantines"`
	}
	err := c.do(ctx, http.MethodGet, "quarantines", q, nil, &out)
	return out.Quarantines, err
}

// Quarantine fetches one environment.
func (c *Client) Quarantine(ctx context.Context, id quarantine.ID) (quarantine.Environment, error) {
	var env quarantine.Environment
	err := c.do(ctx, http.MethodGet, path.Join("quarantines", string(id)), nil, nil, &env)
	return env, err
}

// TerminateQuarantine ends an environment.
func (c *Client) TerminateQuarantine(ctx context.Context, id quarantine.ID) error {
	return c.do(ctx, http.MethodDelete, path.Join("quarantines", string(id)), nil, nil, nil)
}

// QuarantineStats returns orchestrator statistics.
func (c *Client) QuarantineStats(ctx context.Context) (quarantine.Stats, error) {
	var s quarantine.Stats
	err := c.do(ctx, http.MethodGet, "quarantines/stats", nil, nil, &s)
	return s, err
}

// Ledger queries the audit ledger.
func (c *Client) Ledger(ctx context.Context, lq ledger.Query) ([]events.Event, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("kind", string(lq.Kind))
	set("node_id", lq.NodeID)
	set("proposal_id", lq.ProposalID)
	set("quarantine_id", lq.QuarantineID)
	if !lq.Since.IsZero() {
		q.Set("since", lq.Since.UTC().Format(time.RFC3339))
	}
	if lq.Limit != 0 {
		q.Set("limit", strconv.Itoa(lq.Limit))
	}
	var out struct {
		Events []events.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "ledger", q, nil, &out)
	return out.Events, err
}
