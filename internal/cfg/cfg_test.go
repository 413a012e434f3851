package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"

	"github.com/linnemanlabs/palisade/internal/authmw"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:           60,
		ShutdownBudgetSeconds:  90,
		APIPort:                8080,
		APITokens:              "alice:test-token-123",
		AdaptIntervalSeconds:   30,
		AuditIntervalSeconds:   60,
		ProposalTTLSeconds:     600,
		AutoPropose:            true,
		MinConsensusNodes:      3,
		ParticipationThreshold: 0.3,
		ProposalThreshold:      0.6,
		ReplicationFactor:      3,
		QuarantineThreshold:    0.6,
		MonitorIntervalSeconds: 5,
		HealingDurationSeconds: 300,
		LokiPollSeconds:        15,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if !c.AutoPropose || c.AutoVote || !c.AdaptOnIngest {
		t.Errorf("toggles = propose %t vote %t ingest %t, want true false true", c.AutoPropose, c.AutoVote, c.AdaptOnIngest)
	}
	if c.ParticipationThreshold != 0.3 || c.ProposalThreshold != 0.6 {
		t.Errorf("thresholds = %v/%v, want 0.3/0.6", c.ParticipationThreshold, c.ProposalThreshold)
	}
	if c.ReplicationFactor != 3 {
		t.Errorf("ReplicationFactor = %d, want 3", c.ReplicationFactor)
	}

	// The stock flag set is a valid configuration.
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-tokens", "alice:a,bob:b",
		"-auto-vote",
		"-proposal-threshold", "0.75",
		"-loki-endpoint", "http://loki:3100",
		"-loki-query", `{app="agents"}`,
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if !c.AutoVote {
		t.Error("AutoVote = false, want true")
	}
	if c.ProposalThreshold != 0.75 {
		t.Errorf("ProposalThreshold = %v, want 0.75", c.ProposalThreshold)
	}
	if ops := c.Operators(); len(ops) != 2 || ops["bob"] != "b" {
		t.Errorf("Operators() = %v", ops)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNetworkSeedFiles(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.NetworkSeeds = "lab=/etc/palisade/lab.yaml,edge = edge.yaml,"
	got, err := c.NetworkSeedFiles()
	if err != nil {
		t.Fatalf("NetworkSeedFiles: %v", err)
	}
	if len(got) != 2 || got["lab"] != "/etc/palisade/lab.yaml" || got["edge"] != "edge.yaml" {
		t.Errorf("got %v", got)
	}

	c.NetworkSeeds = "lab=a.yaml,lab=b.yaml"
	if _, err := c.NetworkSeedFiles(); err == nil {
		t.Error("duplicate network accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "no tokens is valid",
			cfg:     with(func(c *Config) { c.APITokens = "" }),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535 }),
			wantErr: false,
		},
		{
			name:      "negative pool size",
			cfg:       with(func(c *Config) { c.DBMaxConns = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:      "negative slow query threshold",
			cfg:       with(func(c *Config) { c.DBSlowQueryMillis = -5 }),
			wantErr:   true,
			errSubstr: []string{"DB_SLOW_QUERY_MS"},
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget negative",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "malformed tokens",
			cfg:       with(func(c *Config) { c.APITokens = "alice:" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKENS"},
		},
		{
			name:    "network seeds",
			cfg:     with(func(c *Config) { c.NetworkSeeds = "lab=lab.yaml, edge=edge.yaml" }),
			wantErr: false,
		},
		{
			name:      "network seed without path",
			cfg:       with(func(c *Config) { c.NetworkSeeds = "lab=" }),
			wantErr:   true,
			errSubstr: []string{"NETWORK_SEEDS"},
		},
		{
			name:      "network seed for primary",
			cfg:       with(func(c *Config) { c.NetworkSeeds = "primary=p.yaml" }),
			wantErr:   true,
			errSubstr: []string{"NETWORK_SEEDS"},
		},
		{
			name:      "auto vote without auto propose",
			cfg:       with(func(c *Config) { c.AutoPropose, c.AutoVote = false, true }),
			wantErr:   true,
			errSubstr: []string{"AUTO_VOTE"},
		},
		{
			name:      "negative intervals",
			cfg:       with(func(c *Config) { c.AdaptIntervalSeconds, c.AuditIntervalSeconds, c.ProposalTTLSeconds = -1, -1, -1 }),
			wantErr:   true,
			errSubstr: []string{"ADAPT_INTERVAL_SECONDS", "AUDIT_INTERVAL_SECONDS", "PROPOSAL_TTL_SECONDS"},
		},
		// Consensus thresholds
		{
			name:      "participation zero",
			cfg:       with(func(c *Config) { c.ParticipationThreshold = 0 }),
			wantErr:   true,
			errSubstr: []string{"PARTICIPATION_THRESHOLD"},
		},
		{
			name:      "proposal above one",
			cfg:       with(func(c *Config) { c.ProposalThreshold = 1.5 }),
			wantErr:   true,
			errSubstr: []string{"PROPOSAL_THRESHOLD"},
		},
		{
			name:      "proposal below participation",
			cfg:       with(func(c *Config) { c.ParticipationThreshold, c.ProposalThreshold = 0.7, 0.5 }),
			wantErr:   true,
			errSubstr: []string{"must not be below"},
		},
		{
			name:      "nan threshold",
			cfg:       with(func(c *Config) { c.QuarantineThreshold = math.NaN() }),
			wantErr:   true,
			errSubstr: []string{"QUARANTINE_CONSENSUS_THRESHOLD"},
		},
		// Quarantine orchestration
		{
			name:      "replication zero",
			cfg:       with(func(c *Config) { c.ReplicationFactor = 0 }),
			wantErr:   true,
			errSubstr: []string{"REPLICATION_FACTOR"},
		},
		{
			name:      "monitor interval zero",
			cfg:       with(func(c *Config) { c.MonitorIntervalSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"MONITOR_INTERVAL_SECONDS"},
		},
		// Prometheus probe
		{
			name: "prometheus complete",
			cfg: with(func(c *Config) {
				c.PrometheusEndpoint, c.EffectivenessQuery, c.AnomalyQuery = "http://prom:9090", "up", "up"
			}),
			wantErr: false,
		},
		{
			name:      "queries without endpoint",
			cfg:       with(func(c *Config) { c.AnomalyQuery = "up" }),
			wantErr:   true,
			errSubstr: []string{"PROMETHEUS_ENDPOINT is required"},
		},
		{
			name:      "endpoint without queries",
			cfg:       with(func(c *Config) { c.PrometheusEndpoint = "http://prom:9090" }),
			wantErr:   true,
			errSubstr: []string{"EFFECTIVENESS_QUERY"},
		},
		{
			name: "endpoint without scheme",
			cfg: with(func(c *Config) {
				c.PrometheusEndpoint, c.EffectivenessQuery, c.AnomalyQuery = "prom:9090", "up", "up"
			}),
			wantErr:   true,
			errSubstr: []string{"PROMETHEUS_ENDPOINT"},
		},
		// Loki evidence source
		{
			name:      "loki without query",
			cfg:       with(func(c *Config) { c.LokiEndpoint = "http://loki:3100" }),
			wantErr:   true,
			errSubstr: []string{"LOKI_QUERY"},
		},
		{
			name: "loki poll zero",
			cfg: with(func(c *Config) {
				c.LokiEndpoint, c.LokiQuery, c.LokiPollSeconds = "http://loki:3100", `{app="a"}`, 0
			}),
			wantErr:   true,
			errSubstr: []string{"LOKI_POLL_SECONDS"},
		},
		{
			name:      "slack webhook not a url",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "hooks.slack.com" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "zero config",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "MIN_CONSENSUS_NODES", "PARTICIPATION_THRESHOLD", "REPLICATION_FACTOR", "MONITOR_INTERVAL_SECONDS"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       Config{DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32, APIPort: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, replicas int
		participation, proposal       float64
		tokens                        string
	}{
		{60, 90, 8080, 3, 0.3, 0.6, "alice:tok"},
		{1, 2, 1, 1, 1, 1, ""},
		{299, 300, 65535, 100, 0.01, 0.02, "t"},
		{0, 0, 0, 0, 0, 0, ""},
		{-1, -1, -1, -1, -1, -1, ":"},
		{300, 300, 65535, 3, 0.3, 0.6, "a:b,a:c"},
		{150, 100, 8080, 101, 0.9, 0.1, "x"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.Inf(-1), math.NaN(), ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.Inf(1), 2, ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.replicas, s.participation, s.proposal, s.tokens)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, replicas int, participation, proposal float64, tokens string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.ReplicationFactor = replicas
		c.ParticipationThreshold = participation
		c.ProposalThreshold = proposal
		c.APITokens = tokens
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		replicasOK := replicas >= 1 && replicas <= 100
		thresholdsOK := inUnit(participation) && inUnit(proposal) && proposal >= participation
		_, tokErr := authmw.ParseOperators(tokens)
		tokensOK := tokErr == nil

		allValid := drainOK && budgetOK && portOK && crossOK && replicasOK && thresholdsOK && tokensOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
