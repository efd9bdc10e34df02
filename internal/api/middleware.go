package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"token-payment-reconciler/internal/auth"
)

type rawBodyKey struct{}

// requireAuth reads the body once, checks the signature over those exact
// bytes and hands them to next through the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.bodyLimit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.respond(w, http.StatusRequestEntityTooLarge, "invalid_input", "Request body too large", nil)
				return
			}
			s.respond(w, http.StatusBadRequest, "invalid_input", "Unreadable request body", nil)
			return
		}

		if reason := s.guard.Check(auth.HeadersFrom(r.Header), raw); reason != auth.Admit {
			s.respond(w, http.StatusForbidden, string(reason), reason.Message(), nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(raw))
		next(w, r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, raw)))
	})
}

// rawBody returns the body captured by requireAuth.
func rawBody(r *http.Request) []byte {
	raw, _ := r.Context().Value(rawBodyKey{}).([]byte)
	return raw
}
