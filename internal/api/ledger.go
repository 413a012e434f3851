package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ledger"
)

// parseLedgerQuery reads the ledger filters from the query string.
func parseLedgerQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{
		Kind:         events.Kind(v.Get("kind")),
		NodeID:       v.Get("node_id"),
		ProposalID:   v.Get("proposal_id"),
		QuarantineID: v.Get("quarantine_id"),
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, faults.Invalid("since", "want RFC 3339 time: %v", err)
		}
		q.Since = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, faults.Invalid("limit", "not an integer: %q", s)
		}
		q.Limit = n
	}
	return q, nil
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	q, err := parseLedgerQuery(r)
	if err != nil {
		a.writeError(w, r, err, "ledger query")
		return
	}
	evs, err := a.svc.Ledger(r.Context(), q)
	if err != nil {
		a.writeError(w, r, err, "failed to read ledger")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
