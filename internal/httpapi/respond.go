package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	writeJSON(w, code, envelope{
		Error:     &errorBody{Code: errCode, Message: msg},
		RequestID: obs.RequestIDFromContext(r.Context()),
	})
}

// writeFailure renders an orchestrator error with its kind's status.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := orchestrator.KindOf(err)
	if kind == orchestrator.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	if kind.Status() >= http.StatusInternalServerError {
		obs.FromContext(r.Context()).Error("request failed", "kind", kind, "error", err)
	}
	writeError(w, r, kind.Status(), string(kind), orchestrator.Message(err))
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, r, http.StatusTooManyRequests, string(orchestrator.KindRateLimited), "rate limit exceeded")
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody writes the 400 itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, string(orchestrator.KindInvalidInput), err.Error())
		return false
	}
	return true
}
