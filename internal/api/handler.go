// Package api exposes the reservation lifecycle over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/auth"
	"ms-reservations/internal/cancellation"
	"ms-reservations/internal/checkout"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/readiness"
	"ms-reservations/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TenantHeader carries the caller's tenant on every registration route.
const TenantHeader = "X-Tenant-ID"

type Handler struct {
	Checkout     *checkout.Service
	Assigner     *holds.Assigner
	Cancellation *cancellation.Service
	Readiness    *readiness.Service
	Sweeper      *expiry.Sweeper
	Logger       *logger.Logger
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for browser checkout clients.
	AllowedOrigins []string
}

// Routes builds the router. operatorAuth guards cancellation, refund,
// check-in and the admin sweep; nil leaves them open.
func (h *Handler) Routes(operatorAuth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger))
	if len(h.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", TenantHeader},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/registrations/{registrationId}", func(r chi.Router) {
		r.Post("/checkout", h.CheckoutRegistration)
		r.Post("/assignments/{kind}", h.Assign)
		r.Get("/readiness", h.GetReadiness)
		r.Post("/readiness/refresh", h.RefreshReadiness)
		r.Get("/pass.png", h.Pass)

		r.Group(func(r chi.Router) {
			if operatorAuth != nil {
				r.Use(operatorAuth)
			}
			r.Post("/cancel", h.Cancel)
			r.Post("/refund", h.Refund)
			r.Post("/check-in", h.CheckIn)
		})
	})

	r.Group(func(r chi.Router) {
		if operatorAuth != nil {
			r.Use(operatorAuth)
		}
		r.Post("/api/admin/expire", h.Expire)
	})

	return r
}

func tenant(r *http.Request) string {
	return r.Header.Get(TenantHeader)
}

func (h *Handler) CheckoutRegistration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "registrationId")
	h.Logger.Info("API", fmt.Sprintf("Checkout: registrationId=%s", id))

	res, err := h.Checkout.Checkout(r.Context(), checkout.Request{
		RegistrationID: id,
		TenantID:       tenant(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, h.Logger, "Checkout", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, utils.SuccessResponse("Registration submitted", res))
}

var assignmentKinds = map[string]holds.AssignmentKind{
	"stalls":  holds.StallAssignment,
	"rv":      holds.RVAssignment,
	"classes": holds.ClassAssignment,
}

type assignRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "registrationId")
	kind, ok := assignmentKinds[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, h.Logger, "Assign", apperr.NotFound("unknown_assignment_kind", "assignment kind must be stalls, rv or classes"))
		return
	}

	var body assignRequest
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "Assign", err)
		return
	}

	res, err := h.Assigner.Assign(r.Context(), kind, holds.AssignInput{
		TenantID:       tenant(r),
		RegistrationID: id,
		ResourceIDs:    body.IDs,
	})
	if err != nil {
		writeError(w, h.Logger, "Assign", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d %s holds assigned", len(res.Holds), kind.Noun), res))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelRequest(r *http.Request) (cancellation.Request, error) {
	var body cancelRequest
	if err := decode(r, &body); err != nil {
		return cancellation.Request{}, err
	}
	return cancellation.Request{
		RegistrationID: chi.URLParam(r, "registrationId"),
		TenantID:       tenant(r),
		Actor:          auth.ActorFromRequest(r),
		Reason:         body.Reason,
	}, nil
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, err := h.cancelRequest(r)
	if err != nil {
		writeError(w, h.Logger, "Cancel", err)
		return
	}
	reg, err := h.Cancellation.Cancel(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "Cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Registration cancelled", reg))
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	req, err := h.cancelRequest(r)
	if err != nil {
		writeError(w, h.Logger, "Refund", err)
		return
	}
	reg, err := h.Cancellation.CancelAndRefund(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "Refund", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Registration cancelled and refunded", reg))
}

func (h *Handler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	status, err := h.Readiness.Evaluate(r.Context(), chi.URLParam(r, "registrationId"), tenant(r))
	if err != nil {
		writeError(w, h.Logger, "GetReadiness", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Readiness evaluated", status))
}

func (h *Handler) RefreshReadiness(w http.ResponseWriter, r *http.Request) {
	status, err := h.Readiness.Refresh(r.Context(), chi.URLParam(r, "registrationId"), tenant(r))
	if err != nil {
		writeError(w, h.Logger, "RefreshReadiness", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Readiness refreshed", status))
}

type checkInRequest struct {
	ExpectedVersion int64 `json:"expectedVersion"`
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var body checkInRequest
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "CheckIn", err)
		return
	}
	reg, err := h.Readiness.CheckIn(r.Context(), chi.URLParam(r, "registrationId"), tenant(r), body.ExpectedVersion)
	if err != nil {
		writeError(w, h.Logger, "CheckIn", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Checked in", reg))
}

func (h *Handler) Pass(w http.ResponseWriter, r *http.Request) {
	png, err := h.Readiness.Pass(r.Context(), chi.URLParam(r, "registrationId"), tenant(r))
	if err != nil {
		writeError(w, h.Logger, "Pass", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// Expire runs one sweep. ?limit defaults to 50 and is capped at 200.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, h.Logger, "Expire", apperr.Invalid("invalid_limit", "limit must be an integer"))
			return
		}
		limit = n
	}

	res, err := h.Sweeper.Sweep(r.Context(), limit)
	if err != nil {
		writeError(w, h.Logger, "Expire", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d registrations expired", len(res.Expired)), res))
}
