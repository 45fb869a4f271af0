package mcp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/kurtbell87/orchestration-kit/pkg/kitlog"
)

// NewHTTPHandler builds the MCP facade's HTTP transport: a single /mcp
// endpoint guarded by a bearer token, sharing Facade.processMessage with
// the stdio transport (spec §4.6 "two interchangeable transports").
// Grounded on the pack's jordigilh-kubernaut repo's chi+cors wiring
// convention — the teacher itself has no HTTP MCP transport to draw from.
func NewHTTPHandler(facade *Facade, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Post("/mcp", func(w http.ResponseWriter, req *http.Request) {
		if token != "" {
			auth := req.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, 10*1024*1024))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"malformed body"}`))
			return
		}

		resp, hasResp := facade.processMessage(req.Context(), body)
		w.Header().Set("Content-Type", "application/json")
		if !hasResp {
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			kitlog.ErrorCF("mcp", "failed to encode http response", map[string]any{"error": err.Error()})
		}
	})

	return r
}
