package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/node"
)

type proposeRequest struct {
	Proposer node.ID         `json:"proposer"`
	Content  json.RawMessage `json:"content"`
}

type voteRequest struct {
	Voter   node.ID `json:"voter"`
	Approve *bool   `json:"approve"`
	Reason  string  `json:"reason,omitempty"`
}

func (a *API) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode proposal")
		return
	}
	if req.Proposer == "" {
		a.writeError(w, r, faults.Invalid("proposer", "must not be empty"), "propose")
		return
	}

	id, err := a.svc.Propose(r.Context(), req.Proposer, consensus.Payload(req.Content))
	if err != nil {
		a.writeError(w, r, err, "failed to open proposal")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("palisade.proposal.id", string(id)))
	a.logger.Info(r.Context(), "proposal submitted", append([]any{"proposal_id", id, "proposer", req.Proposer}, auditFields(r.Context())...)...)
	writeJSON(w, http.StatusCreated, map[string]any{"proposal_id": id})
}

func (a *API) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id := consensus.ProposalID(chi.URLParam(r, "id"))
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("palisade.proposal.id", string(id)))

	p, ok := a.svc.Proposal(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "proposal " + string(id) + " not found", Reason: faults.ReasonNotFound})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request) {
	id := consensus.ProposalID(chi.URLParam(r, "id"))
	var req voteRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode vote")
		return
	}
	switch {
	case req.Voter == "":
		a.writeError(w, r, faults.Invalid("voter", "must not be empty"), "vote")
		return
	case req.Approve == nil:
		a.writeError(w, r, faults.Invalid("approve", "must be set"), "vote")
		return
	}

	if err := a.svc.Vote(r.Context(), req.Voter, id, *req.Approve, req.Reason); err != nil {
		a.writeError(w, r, err, "failed to record vote")
		return
	}
	p, _ := a.svc.Proposal(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id": id,
		"state":       p.State,
	})
}

func (a *API) handleCollusion(w http.ResponseWriter, _ *http.Request) {
	pairs := a.svc.Collusion()
	if pairs == nil {
		pairs = []consensus.CollusionPair{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (a *API) handleConsensusStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.ConsensusStats())
}
