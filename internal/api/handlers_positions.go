package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/vault"
)

func intQuery(c *gin.Context, key string, def int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func (s *Server) handleListPositions(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}

	list, err := s.positions.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Position list failed")
		serverError(c, "failed to list positions")
		return
	}
	respondList(c, list, len(list))
}

func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.positions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "position not found")
			return
		}
		s.logger.Error().Err(err).Msg("Position load failed")
		serverError(c, "failed to load position")
		return
	}
	if s.authorizeUser(c, pos.UserID) == "" {
		return
	}
	respondOK(c, pos, "")
}

type syncPositionsRequest struct {
	UserID     string `json:"user_id"`
	ExchangeID string `json:"exchange_id" binding:"required"`
}

func (s *Server) handleSyncPositions(c *gin.Context) {
	var req syncPositionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return
	}

	synced, err := s.executor.SyncPositions(c.Request.Context(), userID, req.ExchangeID)
	if err != nil {
		if errors.Is(err, vault.ErrNotLinked) {
			badRequest(c, "exchange not linked", nil)
			return
		}
		s.logger.Error().Err(err).Msg("Position sync failed")
		upstreamError(c, "failed to sync positions from exchange")
		return
	}
	respondList(c, synced, len(synced))
}
