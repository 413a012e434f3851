package api

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/palisade/internal/faults"
	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/topology"
)

// signalBatch is the POST /signals body.
type signalBatch struct {
	Signals []ingest.Record `json:"signals"`
}

func (a *API) handleIngestSignals(w http.ResponseWriter, r *http.Request) {
	var body signalBatch
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "decode signals")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("palisade.signals.count", len(body.Signals)))

	res, err := a.svc.IngestSignals(r.Context(), body.Signals)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest signals")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleNetworkHealth(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.NetworkHealth(r.URL.Query().Get("network"))
	if err != nil {
		a.writeError(w, r, err, "failed to read network health")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.svc.Nodes(r.URL.Query().Get("network"))
	if err != nil {
		a.writeError(w, r, err, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, dst := q.Get("src"), q.Get("dst")
	if src == "" || dst == "" {
		a.writeError(w, r, faults.Invalid("src,dst", "both query parameters are required"), "route")
		return
	}
	path, err := a.svc.Route(r.Context(), q.Get("network"), node.ID(src), node.ID(dst))
	if errors.Is(err, topology.ErrNoRoute) {
		path, err = []node.ID{}, nil
	}
	if err != nil {
		a.writeError(w, r, err, "failed to compute route")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"src":   src,
		"dst":   dst,
		"path":  path,
		"found": len(path) > 0,
	})
}
