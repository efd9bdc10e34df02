package api

import (
	"encoding/json"
	"net/http"
)

// isoMillis matches the timestamp format clients already parse.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// fields are merged into the response envelope.
type fields map[string]any

// respond writes {success, status, message, timestamp, ...extra}.
// success is true only for status "success".
func (s *Server) respond(w http.ResponseWriter, code int, status, message string, extra fields) {
	body := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		body[k] = v
	}
	body["success"] = status == "success"
	body["status"] = status
	body["message"] = message
	body["timestamp"] = s.now().UTC().Format(isoMillis)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnw("failed to write response", "error", err)
	}
}
