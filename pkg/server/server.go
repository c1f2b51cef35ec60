// Package server exposes the router, contract, GPU lock, heavy queue and
// ledger over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/contract"
	"github.com/zen-systems/openclaw/pkg/gpu"
	"github.com/zen-systems/openclaw/pkg/heavy"
	"github.com/zen-systems/openclaw/pkg/ledger"
	"github.com/zen-systems/openclaw/pkg/policy"
	"github.com/zen-systems/openclaw/pkg/router"
)

const maxBodyBytes = 1 << 20

// Deps are the components served over HTTP.
type Deps struct {
	Router     *router.Router
	Contract   *contract.Manager
	GPU        *gpu.Lock
	Queue      *heavy.Queue
	LedgerPath string
	Now        func() time.Time
}

// RouteRequest is the body of POST /v1/route/{intent}.
type RouteRequest struct {
	Payload         map[string]any `json:"payload"`
	ContextMetadata map[string]any `json:"context_metadata,omitempty"`
}

type api struct {
	Deps
}

// NewHandler builds the HTTP handler.
func NewHandler(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(Logger)
	r.Use(Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.health)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/route/{intent}", func(r chi.Router) {
			r.Post("/", a.route)
			r.Get("/explain", a.explain)
		})
		r.Get("/proprioception", a.proprioception)
		r.Get("/contract", a.contract)
		r.Get("/gpu", a.gpu)
		r.Get("/heavy", a.heavy)
		r.Get("/ledger/verify", a.verifyLedger)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) route(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	res, err := a.Router.ExecuteWithEscalation(r.Context(), chi.URLParam(r, "intent"), req.Payload, req.ContextMetadata)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": verr.Error(), "reason_code": router.ReasonPolicyInvalid})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *api) explain(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if prompt := r.URL.Query().Get("prompt"); prompt != "" {
		payload["prompt"] = prompt
	}
	exp, err := a.Router.Explain(chi.URLParam(r, "intent"), payload)
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "reason_code": router.ReasonPolicyInvalid})
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (a *api) proprioception(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.Router.Proprioception())
}

func (a *api) contract(w http.ResponseWriter, _ *http.Request) {
	c, err := a.Contract.Load()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (a *api) gpu(w http.ResponseWriter, _ *http.Request) {
	st, err := a.GPU.Status()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (a *api) heavy(w http.ResponseWriter, _ *http.Request) {
	jobs, err := a.Queue.Project()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	depth, err := a.Queue.Depth(a.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []heavy.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"depth": depth, "jobs": jobs})
}

func (a *api) verifyLedger(w http.ResponseWriter, _ *http.Request) {
	res := ledger.VerifyChain(a.LedgerPath)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
