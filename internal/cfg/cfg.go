package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/linnemanlabs/palisade/internal/authmw"
)

// Config adds palisade-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	DatabaseURL           string
	DBMaxConns            int
	DBSlowQueryMillis     int
	SlackWebhookURL       string

	SeedFile             string
	NetworkSeeds         string
	AdaptIntervalSeconds int
	AuditIntervalSeconds int
	ProposalTTLSeconds   int
	AutoPropose          bool
	AutoVote             bool
	AdaptOnIngest        bool

	MinConsensusNodes      int
	ParticipationThreshold float64
	ProposalThreshold      float64

	ReplicationFactor      int
	QuarantineThreshold    float64
	MonitorIntervalSeconds int
	HealingDurationSeconds int

	PrometheusEndpoint string
	PrometheusTenantID string
	EffectivenessQuery string
	AnomalyQuery       string

	LokiEndpoint    string
	LokiTenantID    string
	LokiQuery       string
	LokiPollSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "operator bearer tokens as name:token pairs, comma separated (empty = write routes unauthenticated)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the audit ledger (empty = in-memory ledger)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum ledger pool connections (0 = pgx default)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "log only successful queries slower than this many milliseconds (0 = log every query)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for quarantine notifications")

	fs.StringVar(&c.SeedFile, "seed-file", "", "YAML topology seed for the primary network")
	fs.StringVar(&c.NetworkSeeds, "network-seeds", "", "secondary networks as id=seed.yaml pairs, comma separated")
	fs.IntVar(&c.AdaptIntervalSeconds, "adapt-interval-seconds", 30, "seconds between background topology adaptation passes (0 = only on ingest)")
	fs.IntVar(&c.AuditIntervalSeconds, "audit-interval-seconds", 60, "seconds between consensus attrition and collusion audits (0 = disabled)")
	fs.IntVar(&c.ProposalTTLSeconds, "proposal-ttl-seconds", 600, "seconds before an undecided proposal is expired by the audit (0 = never)")
	fs.BoolVar(&c.AutoPropose, "auto-propose", true, "propose a quarantine when adaptation quarantines or isolates a node")
	fs.BoolVar(&c.AutoVote, "auto-vote", false, "cast votes for trusted peers on automatic quarantine proposals")
	fs.BoolVar(&c.AdaptOnIngest, "adapt-on-ingest", true, "run topology adaptation after each ingested batch")

	fs.IntVar(&c.MinConsensusNodes, "min-consensus-nodes", 3, "minimum confirmations any proposal needs (1..1000)")
	fs.Float64Var(&c.ParticipationThreshold, "participation-threshold", 0.3, "trust a node needs to vote (0..1]")
	fs.Float64Var(&c.ProposalThreshold, "proposal-threshold", 0.6, "trust a node needs to propose (0..1]")

	fs.IntVar(&c.ReplicationFactor, "replication-factor", 3, "non-coordinator participants per quarantine (1..100)")
	fs.Float64Var(&c.QuarantineThreshold, "quarantine-consensus-threshold", 0.6, "fraction of participants that must initialize (0..1]")
	fs.IntVar(&c.MonitorIntervalSeconds, "monitor-interval-seconds", 5, "seconds between quarantine health checks (1..3600)")
	fs.IntVar(&c.HealingDurationSeconds, "healing-duration-seconds", 300, "seconds at observe_only before a healed quarantine completes (1..86400)")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for quarantine health probes (empty = level table probe)")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.EffectivenessQuery, "effectiveness-query", "", "PromQL template for isolation effectiveness")
	fs.StringVar(&c.AnomalyQuery, "anomaly-query", "", "PromQL template for the quarantined agent's anomaly score")

	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for behavior evidence (empty = API ingestion only)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiQuery, "loki-query", "", "LogQL query selecting JSON behavior records")
	fs.IntVar(&c.LokiPollSeconds, "loki-poll-seconds", 15, "seconds between Loki polls (1..3600)")
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s %q (scheme must be http or https)", name, raw)
	}
	return nil
}

func inUnit(v float64) bool { return v > 0 && v <= 1 }

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must not be negative)", c.DBSlowQueryMillis))
	}

	if _, err := authmw.ParseOperators(c.APITokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	}

	if _, err := c.NetworkSeedFiles(); err != nil {
		errs = append(errs, fmt.Errorf("invalid NETWORK_SEEDS: %w", err))
	}

	if c.AdaptIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid ADAPT_INTERVAL_SECONDS %d (must not be negative)", c.AdaptIntervalSeconds))
	}
	if c.AuditIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIT_INTERVAL_SECONDS %d (must not be negative)", c.AuditIntervalSeconds))
	}
	if c.ProposalTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid PROPOSAL_TTL_SECONDS %d (must not be negative)", c.ProposalTTLSeconds))
	}
	if c.AutoVote && !c.AutoPropose {
		errs = append(errs, errors.New("AUTO_VOTE requires AUTO_PROPOSE"))
	}

	// Consensus thresholds
	if c.MinConsensusNodes < 1 || c.MinConsensusNodes > 1000 {
		errs = append(errs, fmt.Errorf("invalid MIN_CONSENSUS_NODES %d (must be 1..1000)", c.MinConsensusNodes))
	}
	if !inUnit(c.ParticipationThreshold) {
		errs = append(errs, fmt.Errorf("invalid PARTICIPATION_THRESHOLD %v (must be in (0,1])", c.ParticipationThreshold))
	}
	if !inUnit(c.ProposalThreshold) {
		errs = append(errs, fmt.Errorf("invalid PROPOSAL_THRESHOLD %v (must be in (0,1])", c.ProposalThreshold))
	}
	if c.ProposalThreshold < c.ParticipationThreshold {
		errs = append(errs, fmt.Errorf("PROPOSAL_THRESHOLD %v must not be below PARTICIPATION_THRESHOLD %v", c.ProposalThreshold, c.ParticipationThreshold))
	}

	// Quarantine orchestration
	if c.ReplicationFactor < 1 || c.ReplicationFactor > 100 {
		errs = append(errs, fmt.Errorf("invalid REPLICATION_FACTOR %d (must be 1..100)", c.ReplicationFactor))
	}
	if !inUnit(c.QuarantineThreshold) {
		errs = append(errs, fmt.Errorf("invalid QUARANTINE_CONSENSUS_THRESHOLD %v (must be in (0,1])", c.QuarantineThreshold))
	}
	if c.MonitorIntervalSeconds < 1 || c.MonitorIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid MONITOR_INTERVAL_SECONDS %d (must be 1..3600)", c.MonitorIntervalSeconds))
	}
	if c.HealingDurationSeconds < 1 || c.HealingDurationSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid HEALING_DURATION_SECONDS %d (must be 1..86400)", c.HealingDurationSeconds))
	}

	// Prometheus probe is all or nothing
	probe := c.EffectivenessQuery != "" || c.AnomalyQuery != ""
	switch {
	case probe && c.PrometheusEndpoint == "":
		errs = append(errs, errors.New("PROMETHEUS_ENDPOINT is required when probe queries are set"))
	case c.PrometheusEndpoint != "":
		if err := checkURL("PROMETHEUS_ENDPOINT", c.PrometheusEndpoint); err != nil {
			errs = append(errs, err)
		}
		if c.EffectivenessQuery == "" || c.AnomalyQuery == "" {
			errs = append(errs, errors.New("EFFECTIVENESS_QUERY and ANOMALY_QUERY are required with PROMETHEUS_ENDPOINT"))
		}
	}

	// Loki evidence source
	if c.LokiEndpoint != "" {
		if err := checkURL("LOKI_ENDPOINT", c.LokiEndpoint); err != nil {
			errs = append(errs, err)
		}
		if c.LokiQuery == "" {
			errs = append(errs, errors.New("LOKI_QUERY is required with LOKI_ENDPOINT"))
		}
		if c.LokiPollSeconds < 1 || c.LokiPollSeconds > 3600 {
			errs = append(errs, fmt.Errorf("invalid LOKI_POLL_SECONDS %d (must be 1..3600)", c.LokiPollSeconds))
		}
	}

	if c.SlackWebhookURL != "" {
		if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Operators returns the parsed API tokens. Validate must have passed.
func (c *Config) Operators() authmw.Operators {
	ops, _ := authmw.ParseOperators(c.APITokens)
	return ops
}

// NetworkSeedFiles parses NetworkSeeds into network ID to seed path.
func (c *Config) NetworkSeedFiles() (map[string]string, error) {
	out := map[string]string{}
	for part := range strings.SplitSeq(c.NetworkSeeds, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, file, ok := strings.Cut(part, "=")
		id, file = strings.TrimSpace(id), strings.TrimSpace(file)
		switch {
		case !ok || id == "" || file == "":
			return nil, fmt.Errorf("malformed network seed %q (want id=path)", part)
		case id == "primary":
			return nil, errors.New("primary is seeded by SEED_FILE")
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("network %s configured twice", id)
		}
		out[id] = file
	}
	return out, nil
}
