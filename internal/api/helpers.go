package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/config"
	"github.com/plopmail/intake/internal/models"
)

// WriteJSONResponse encodes v as the response body. Returns false when
// encoding failed after the header was already sent.
func WriteJSONResponse(w http.ResponseWriter, status int, v any) bool {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
		return false
	}
	return true
}

// RequireDomain validates the domain query parameter against the managed
// domain predicate, writing a 400 on failure. Returns ("", false) when the
// request has been answered.
func RequireDomain(w http.ResponseWriter, r *http.Request, cfg *config.Config) (string, bool) {
	domain := r.URL.Query().Get("domain")
	if domain == "" || !cfg.IsManagedDomain(domain) {
		http.Error(w, "domain query parameter must be a managed domain", http.StatusBadRequest)
		return "", false
	}
	return domain, true
}

// RequireStatus parses the optional status query parameter, defaulting to
// unprocessed. Writes a 400 on an unknown value.
func RequireStatus(w http.ResponseWriter, r *http.Request) (models.Status, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return models.StatusUnprocessed, true
	}
	status, err := models.ParseStatus(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return status, true
}

// RequireLocalPart validates a mailbox path parameter with the same rule the
// resolver applies to tag-free local parts.
func RequireLocalPart(w http.ResponseWriter, localPart string) bool {
	if !address.ValidMailbox(localPart) {
		http.Error(w, "invalid mailbox local part", http.StatusBadRequest)
		return false
	}
	return true
}

// ParseListParams parses limit and cursor query parameters. Limit defaults
// to 50 and is clamped to [1, 200].
func ParseListParams(r *http.Request) (limit int, cursor string) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit, r.URL.Query().Get("cursor")
}
