package api

import (
	"net/http"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
)

// HealthHandler checks API liveness and, when a database is configured,
// its connectivity.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.DB == nil {
			helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
			return
		}

		if err := s.deps.DB.Ping(r.Context()); err != nil {
			// Full error stays server-side.
			s.Logger.Error("health_check_failed", "error", err, "detail", "database_unreachable")
			helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "service temporarily unavailable",
			})
			return
		}

		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
