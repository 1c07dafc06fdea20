package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/database"
)

func (s *Server) handleBalanceHistory(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}

	limit := intQuery(c, "limit", 100)
	history, err := s.balances.History(c.Request.Context(), userID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Balance history failed")
		serverError(c, "failed to load balance history")
		return
	}
	respondList(c, history, len(history))
}

func (s *Server) handleLatestBalance(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}

	snap, err := s.balances.Latest(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "no balance snapshots yet")
			return
		}
		s.logger.Error().Err(err).Msg("Latest balance failed")
		serverError(c, "failed to load latest balance")
		return
	}
	respondOK(c, snap, "")
}
