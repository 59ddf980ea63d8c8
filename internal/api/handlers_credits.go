package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleGetCredits handles GET /api/tenants/{id}/credits.
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]

	balance, err := s.ledger.GetBalance(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	transactions, err := s.ledger.ListTransactions(r.Context(), tenantID, limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to list transactions")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list transactions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":    tenantID,
		"balance":      balance,
		"transactions": transactions,
	})
}
