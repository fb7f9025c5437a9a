package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/utils"

	"github.com/go-chi/chi/v5/middleware"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a service error onto the response envelope. Internal
// errors never leak their cause.
func writeError(w http.ResponseWriter, log *logger.Logger, op string, err error) {
	status := apperr.StatusFor(err)
	e, ok := apperr.As(err)
	if !ok {
		log.Error("API", fmt.Sprintf("%s: %v", op, err))
		writeJSON(w, status, utils.ErrorResponse("Internal error", "internal_error", "unexpected failure", nil))
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		log.Warn("API", fmt.Sprintf("%s: %s", op, e.Code))
	}
	writeJSON(w, status, utils.ErrorResponse(e.Message, e.Code, e.Message, e.Details))
}

func decode(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "invalid_body", "request body is not valid JSON", err)
	}
	return nil
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprint(ww.Status()), time.Since(start).String())
		})
	}
}
