// Package api serves the palisade HTTP API: signal ingestion, topology
// queries, consensus rounds, quarantine environments, the audit ledger and
// the lifecycle event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/palisade/internal/authmw"
	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/ledger"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// DefenseService defines the operations the API exposes.
type DefenseService interface {
	IngestSignals(ctx context.Context, records []ingest.Record) (ingest.Result, error)
	NetworkHealth(networkID string) (topology.Health, error)
	Nodes(networkID string) ([]node.Info, error)
	Route(ctx context.Context, networkID string, src, dst node.ID) ([]node.ID, error)

	Propose(ctx context.Context, proposer node.ID, content consensus.Payload) (consensus.ProposalID, error)
	Vote(ctx context.Context, voter node.ID, id consensus.ProposalID, approve bool, reason string) error
	Proposal(id consensus.ProposalID) (consensus.Proposal, bool)
	Collusion() []consensus.CollusionPair
	ConsensusStats() consensus.Stats

	CreateQuarantine(ctx context.Context, req quarantine.Request) (*quarantine.CreateResult, error)
	TerminateQuarantine(ctx context.Context, id quarantine.ID) error
	Quarantine(id quarantine.ID) (quarantine.Environment, bool)
	Quarantines() []quarantine.Environment
	QuarantineStats() quarantine.Stats

	Ledger(ctx context.Context, q ledger.Query) ([]events.Event, error)
	Subscribe(buffer int) *events.Subscription
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       DefenseService
	operators authmw.Operators
}

// New creates the API. Mutating routes require a bearer token when
// operators is non-empty.
func New(logger log.Logger, svc DefenseService, operators authmw.Operators) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("defense service is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		operators: operators,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/network/health", a.handleNetworkHealth)
		r.Get("/network/nodes", a.handleNodes)
		r.Get("/network/route", a.handleRoute)
		r.Get("/proposals/{id}", a.handleGetProposal)
		r.Get("/consensus/collusion", a.handleCollusion)
		r.Get("/consensus/stats", a.handleConsensusStats)
		r.Get("/quarantines", a.handleListQuarantines)
		r.Get("/quarantines/stats", a.handleQuarantineStats)
		r.Get("/quarantines/{id}", a.handleGetQuarantine)
		r.Get("/ledger", a.handleLedger)
		r.Get("/events", a.handleEvents)

		r.Group(func(r chi.Router) {
			if len(a.operators) > 0 {
				r.Use(authmw.BearerToken(a.operators))
			}
			r.Use(requestID)
			r.Post("/signals", a.handleIngestSignals)
			r.Post("/proposals", a.handlePropose)
			r.Post("/proposals/{id}/votes", a.handleVote)
			r.Post("/quarantines", a.handleCreateQuarantine)
			r.Delete("/quarantines/{id}", a.handleTerminateQuarantine)
		})
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusFor maps a fault reason to its HTTP status.
func statusFor(reason string) int {
	switch reason {
	case faults.ReasonValidation:
		return http.StatusBadRequest
	case faults.ReasonInsufficientTrust:
		return http.StatusForbidden
	case faults.ReasonNotFound:
		return http.StatusNotFound
	case faults.ReasonConflict:
		return http.StatusConflict
	case faults.ReasonQuorumUnreachable, faults.ReasonResourceExhausted:
		return http.StatusServiceUnavailable
	case faults.ReasonPartialFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	reason := faults.ReasonOf(err)
	status := statusFor(reason)
	body := errorBody{Error: err.Error(), Reason: reason}
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return faults.Invalid("body", "exceeds %d bytes", mbe.Limit)
		}
		return faults.Invalid("body", "%v", err)
	}
	return nil
}

// RequestIDHeader carries a caller supplied correlation ID on write routes.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// requestID echoes the caller's correlation ID and keeps it for audit logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// auditFields returns the operator and request ID as log fields.
func auditFields(ctx context.Context) []any {
	var kv []any
	if who, ok := authmw.Operator(ctx); ok {
		kv = append(kv, "operator", who)
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		kv = append(kv, "request_id", id)
	}
	return kv
}
