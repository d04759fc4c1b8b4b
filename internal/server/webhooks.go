package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"fiadopay/internal/engine"
)

const maxInboundBody = 1 << 20

// registerInboundWebhooks mounts the webhook sinks under basePath/webhooks/*.
// The sink is chosen by the path below basePath, e.g. /webhooks/payment-created.
// These routes are plain chi handlers because sink paths may contain slashes.
func registerInboundWebhooks(r chi.Router, basePath string, e *engine.Engine, log *slog.Logger) {
	r.Post(path.Join(basePath, "webhooks")+"/*", func(w http.ResponseWriter, req *http.Request) {
		sinkPath := strings.TrimPrefix(req.URL.Path, basePath)
		body, err := io.ReadAll(io.LimitReader(req.Body, maxInboundBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if err := e.HandleInbound(req.Context(), sinkPath, body); err != nil {
			log.Warn("inbound webhook rejected", "path", sinkPath, "err", err)
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(AcceptedResponse{Status: "accepted"})
	})
}
