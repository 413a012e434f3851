package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/quarantine"
)

// createRequest is quarantine.Request with the isolation level required.
type createRequest struct {
	TargetAgent string              `json:"target_agent"`
	Level       *quarantine.Level   `json:"isolation_level"`
	Evidence    quarantine.Evidence `json:"evidence"`
	Replicas    int                 `json:"replicas"`
	ProposalID  string              `json:"proposal_id"`
}

func (a *API) handleCreateQuarantine(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "decode quarantine request")
		return
	}
	if body.Level == nil {
		a.writeError(w, r, faults.Invalid("isolation_level", "must be set"), "decode quarantine request")
		return
	}
	req := quarantine.Request{
		TargetAgent: body.TargetAgent,
		Level:       *body.Level,
		Evidence:    body.Evidence,
		Replicas:    body.Replicas,
		ProposalID:  body.ProposalID,
	}

	res, err := a.svc.CreateQuarantine(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, "failed to create quarantine")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("palisade.quarantine.id", string(res.ID)))
	a.logger.Info(r.Context(), "quarantine requested", append([]any{
		"quarantine_id", res.ID,
		"target_agent", req.TargetAgent,
		"isolation_level", req.Level.String(),
	}, auditFields(r.Context())...)...)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleListQuarantines(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	envs := a.svc.Quarantines()
	if target != "" {
		kept := envs[:0]
		for _, e := range envs {
			if e.TargetAgent == target {
				kept = append(kept, e)
			}
		}
		envs = kept
	}
	if envs == nil {
		envs = []quarantine.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quarantines": envs})
}

func (a *API) handleQuarantineStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.QuarantineStats())
}

func (a *API) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	id := quarantine.ID(chi.URLParam(r, "id"))
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("palisade.quarantine.id", string(id)))

	env, ok := a.svc.Quarantine(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "quarantine " + string(id) + " not found", Reason: faults.ReasonNotFound})
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) handleTerminateQuarantine(w http.ResponseWriter, r *http.Request) {
	id := quarantine.ID(chi.URLParam(r, "id"))
	if err := a.svc.TerminateQuarantine(r.Context(), id); err != nil {
		a.writeError(w, r, err, "failed to terminate quarantine")
		return
	}
	a.logger.Info(r.Context(), "quarantine termination requested", append([]any{"quarantine_id", id}, auditFields(r.Context())...)...)
	w.WriteHeader(http.StatusNoContent)
}
