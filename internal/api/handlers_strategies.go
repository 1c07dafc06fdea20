package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/strategy"
)

type createStrategyRequest struct {
	UserID     string          `json:"user_id"`
	ExchangeID string          `json:"exchange_id" binding:"required"`
	Token      string          `json:"token" binding:"required"`
	Rules      *strategy.Rules `json:"rules"`
	Template   string          `json:"template"`
	IsActive   *bool           `json:"is_active"`

	// Legacy flat rules, normalized server-side.
	TakeProfitPercent *float64 `json:"take_profit_percent"`
	StopLossPercent   *float64 `json:"stop_loss_percent"`
	BuyDipPercent     *float64 `json:"buy_dip_percent"`
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return
	}

	var rules strategy.Rules
	switch {
	case req.Rules != nil:
		rules = *req.Rules
	case req.Template != "":
		var err error
		if rules, err = strategy.TemplateRules(req.Template); err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
	case req.TakeProfitPercent != nil || req.StopLossPercent != nil || req.BuyDipPercent != nil:
		rules = strategy.NormalizeLegacy(strategy.LegacyRules{
			TakeProfitPercent: req.TakeProfitPercent,
			StopLossPercent:   req.StopLossPercent,
			BuyDipPercent:     req.BuyDipPercent,
		})
	default:
		rules = strategy.DefaultRules()
	}

	if problems := rules.Validate(); len(problems) > 0 {
		badRequest(c, "invalid strategy rules", gin.H{"fields": problems})
		return
	}

	st := &database.Strategy{
		UserID:      userID,
		ExchangeID:  req.ExchangeID,
		Token:       req.Token,
		Rules:       rules,
		IsActive:    true,
		NeedsRepair: rules.NeedsRepair(),
	}
	if req.IsActive != nil {
		st.IsActive = *req.IsActive
	}

	if err := s.strategies.Create(c.Request.Context(), st); err != nil {
		if errors.Is(err, database.ErrDuplicateStrategy) {
			conflict(c, "an active strategy for this token already exists")
			return
		}
		s.logger.Error().Err(err).Msg("Strategy create failed")
		serverError(c, "failed to create strategy")
		return
	}
	respondCreated(c, st, "strategy created")
}

func (s *Server) handleListStrategies(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}

	filter := database.ListFilter{
		UserID:     userID,
		ExchangeID: c.Query("exchange_id"),
		Token:      c.Query("token"),
	}
	if raw := c.Query("is_active"); raw != "" {
		active := raw == "true"
		filter.IsActive = &active
	}

	list, err := s.strategies.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Strategy list failed")
		serverError(c, "failed to list strategies")
		return
	}
	respondList(c, list, len(list))
}

// loadOwnedStrategy fetches a strategy and verifies the caller owns it.
// Writes the error response and returns nil when not.
func (s *Server) loadOwnedStrategy(c *gin.Context) *database.Strategy {
	st, err := s.strategies.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "strategy not found")
			return nil
		}
		s.logger.Error().Err(err).Msg("Strategy load failed")
		serverError(c, "failed to load strategy")
		return nil
	}
	if s.authorizeUser(c, st.UserID) == "" {
		return nil
	}
	return st
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	st := s.loadOwnedStrategy(c)
	if st == nil {
		return
	}
	respondOK(c, st, "")
}

type updateStrategyRequest struct {
	Rules    *strategy.Rules `json:"rules"`
	IsActive *bool           `json:"is_active"`
}

func (s *Server) handleUpdateStrategy(c *gin.Context) {
	st := s.loadOwnedStrategy(c)
	if st == nil {
		return
	}

	var req updateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	rules := st.Rules
	if req.Rules != nil {
		rules = *req.Rules
		if problems := rules.Validate(); len(problems) > 0 {
			badRequest(c, "invalid strategy rules", gin.H{"fields": problems})
			return
		}
	}
	isActive := st.IsActive
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	if err := s.strategies.UpdateRules(c.Request.Context(), st.ID, rules, isActive); err != nil {
		s.logger.Error().Err(err).Msg("Strategy update failed")
		serverError(c, "failed to update strategy")
		return
	}

	updated, err := s.strategies.Get(c.Request.Context(), st.ID)
	if err != nil {
		serverError(c, "failed to reload strategy")
		return
	}
	respondOK(c, updated, "strategy updated")
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	st := s.loadOwnedStrategy(c)
	if st == nil {
		return
	}
	if err := s.strategies.Delete(c.Request.Context(), st.ID); err != nil {
		s.logger.Error().Err(err).Msg("Strategy delete failed")
		serverError(c, "failed to delete strategy")
		return
	}
	respondOK(c, nil, "strategy deleted")
}

type checkStrategyRequest struct {
	CurrentPrice float64  `json:"current_price" binding:"required"`
	EntryPrice   float64  `json:"entry_price" binding:"required"`
	Holding      *float64 `json:"holding_amount"`
}

// handleCheckStrategy runs one evaluation against supplied prices and
// returns the decision without executing anything.
func (s *Server) handleCheckStrategy(c *gin.Context) {
	st := s.loadOwnedStrategy(c)
	if st == nil {
		return
	}

	var req checkStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	holding := 1.0
	if req.Holding != nil {
		holding = *req.Holding
	}

	in := strategy.Input{
		Rules:         st.Rules,
		Tracking:      st.Tracking,
		EntryPrice:    req.EntryPrice,
		CurrentPrice:  req.CurrentPrice,
		HoldingAmount: holding,
		Now:           time.Now().UTC(),
	}
	decision := strategy.Evaluate(in)
	hints := strategy.NextTriggers(in)
	respondOK(c, gin.H{"decision": decision, "next_triggers": hints}, "")
}

func (s *Server) handleListExecutions(c *gin.Context) {
	st := s.loadOwnedStrategy(c)
	if st == nil {
		return
	}
	limit := intQuery(c, "limit", 50)
	list, err := s.strategies.ListExecutions(c.Request.Context(), st.ID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Execution list failed")
		serverError(c, "failed to list executions")
		return
	}
	respondList(c, list, len(list))
}
