package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/orders"
	"crypto-strategy-bot/internal/vault"
)

type manualBuyRequest struct {
	UserID     string  `json:"user_id"`
	ExchangeID string  `json:"exchange_id" binding:"required"`
	Token      string  `json:"token" binding:"required"`
	ValueUSD   float64 `json:"value_usd" binding:"required,gt=0"`
}

func (s *Server) handleManualBuy(c *gin.Context) {
	var req manualBuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return
	}

	pos, result, err := s.executor.ManualBuy(c.Request.Context(), userID, req.ExchangeID, req.Token, req.ValueUSD)
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	respondCreated(c, gin.H{"position": pos, "order": result}, "buy executed")
}

type manualSellRequest struct {
	UserID     string  `json:"user_id"`
	ExchangeID string  `json:"exchange_id" binding:"required"`
	Token      string  `json:"token" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required,gt=0"`
}

func (s *Server) handleManualSell(c *gin.Context) {
	var req manualSellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return
	}

	pos, result, err := s.executor.ManualSell(c.Request.Context(), userID, req.ExchangeID, req.Token, req.Quantity)
	if err != nil {
		s.respondOrderError(c, err)
		return
	}
	respondCreated(c, gin.H{"position": pos, "order": result}, "sell executed")
}

// respondOrderError maps gateway and ledger failures onto envelope errors.
func (s *Server) respondOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrNotLinked):
		badRequest(c, "exchange not linked", nil)
	case errors.Is(err, orders.ErrNoPosition), errors.Is(err, database.ErrInsufficientPosition):
		badRequest(c, "insufficient position", nil)
	case errors.Is(err, orders.ErrBelowMinimum):
		badRequest(c, "order below minimum size", nil)
	case exchange.IsAuth(err):
		respondError(c, http.StatusUnauthorized, ErrTypeUnauthorized, "exchange rejected credentials", nil)
	case exchange.IsInsufficientFunds(err):
		badRequest(c, "insufficient funds on exchange", nil)
	case exchange.IsInvalidOrder(err):
		badRequest(c, "exchange rejected the order", gin.H{"error": err.Error()})
	case exchange.IsUnknownSymbol(err):
		badRequest(c, "unknown symbol", nil)
	case exchange.IsTransient(err):
		upstreamError(c, "exchange temporarily unavailable")
	default:
		s.logger.Error().Err(err).Msg("Order failed")
		serverError(c, "order failed")
	}
}
