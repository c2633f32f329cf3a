package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/3leaps/goqueue/internal/errors"
	"github.com/3leaps/goqueue/pkg/registry"
)

func TestDefaultResponderWritesJobErrorEnvelope(t *testing.T) {
	ResetHTTPErrorResponder()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"duplicate job", fmt.Errorf("submit job-1: %w", registry.ErrDuplicateJob), http.StatusConflict, apperrors.CodeDuplicateJob},
		{"unknown job", fmt.Errorf("get job-9: %w", registry.ErrNotFound), http.StatusNotFound, apperrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/jobs", nil)
			rec := httptest.NewRecorder()
			rec.Header().Set("X-Request-ID", "req-42")

			respondWithError(rec, req, tc.err)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var resp apperrors.HTTPErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if resp.Error.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", resp.Error.Code, tc.wantCode)
			}
			if resp.Error.RequestID != "req-42" {
				t.Fatalf("request id = %q, want req-42", resp.Error.RequestID)
			}
		})
	}
}

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest("DELETE", "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, registry.ErrJobNotTerminal)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if captured != registry.ErrJobNotTerminal {
		t.Fatalf("captured err = %v, want %v", captured, registry.ErrJobNotTerminal)
	}
}

func TestSetHTTPErrorResponderNilRestoresDefault(t *testing.T) {
	defer ResetHTTPErrorResponder()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	req := httptest.NewRequest("GET", "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, registry.ErrNotFound)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestResetHTTPErrorResponder(t *testing.T) {
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	ResetHTTPErrorResponder()

	req := httptest.NewRequest("GET", "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, registry.ErrNotFound)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
