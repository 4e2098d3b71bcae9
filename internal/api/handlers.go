package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/service"
)

const maxBodyBytes = 1 << 20

type handler struct {
	svc service.API
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(service.ErrInvalidArgument, "invalid request body: "+err.Error())
	}
	return nil
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	queued, err := h.svc.EnqueueScoring(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if !queued {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]bool{"queued": queued})
}

func (h *handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) recover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThresholdMinutes int `json:"threshold_minutes"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	rep, err := h.svc.RecoverStaleItems(r.Context(), req.ThresholdMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) getScore(w http.ResponseWriter, r *http.Request) {
	sc, err := h.svc.GetScore(r.Context(), chi.URLParam(r, "buyerID"), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetLatestSnapshot(r.Context(), chi.URLParam(r, "buyerID"), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) recordDecision(w http.ResponseWriter, r *http.Request) {
	var req model.DecisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.svc.RecordDecision(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *handler) recalculate(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RecalculateWeights(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
