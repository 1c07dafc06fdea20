package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/exchange"
)

func (s *Server) handleListExchangeCatalog(c *gin.Context) {
	list, err := s.exchanges.ListCatalog(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Exchange catalog list failed")
		serverError(c, "failed to list exchanges")
		return
	}
	respondList(c, list, len(list))
}

func (s *Server) handleListLinks(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}
	links, err := s.exchanges.ListLinks(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Link list failed")
		serverError(c, "failed to list linked exchanges")
		return
	}
	respondList(c, links, len(links))
}

type linkExchangeRequest struct {
	UserID     string `json:"user_id"`
	ExchangeID string `json:"exchange_id" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
}

// handleLinkExchange stores credentials in the vault, verifies them against
// the exchange, and activates the link.
func (s *Server) handleLinkExchange(c *gin.Context) {
	var req linkExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return
	}

	gw, err := s.gateways.Get(req.ExchangeID)
	if err != nil {
		badRequest(c, "unsupported exchange", nil)
		return
	}

	cred := exchange.Credentials{APIKey: req.APIKey, APISecret: req.APISecret}
	if _, err := gw.FetchBalances(c.Request.Context(), cred); err != nil {
		if exchange.IsAuth(err) {
			badRequest(c, "exchange rejected the API keys", nil)
			return
		}
		upstreamError(c, "could not verify credentials with the exchange")
		return
	}

	if err := s.vault.Store(c.Request.Context(), userID, req.ExchangeID, cred); err != nil {
		s.logger.Error().Err(err).Msg("Credential store failed")
		serverError(c, "failed to store credentials")
		return
	}

	link, err := s.exchanges.Link(c.Request.Context(), userID, req.ExchangeID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Exchange link failed")
		serverError(c, "failed to link exchange")
		return
	}
	respondCreated(c, link, "exchange linked")
}

type exchangeActionRequest struct {
	UserID     string `json:"user_id"`
	ExchangeID string `json:"exchange_id" binding:"required"`
}

func (s *Server) bindExchangeAction(c *gin.Context) (string, string, bool) {
	var req exchangeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return "", "", false
	}
	userID := s.authorizeUser(c, req.UserID)
	if userID == "" {
		return "", "", false
	}
	return userID, req.ExchangeID, true
}

// handleUnlinkExchange removes the link and deletes stored credentials.
func (s *Server) handleUnlinkExchange(c *gin.Context) {
	userID, exchangeID, ok := s.bindExchangeAction(c)
	if !ok {
		return
	}

	if err := s.vault.Delete(c.Request.Context(), userID, exchangeID); err != nil {
		s.logger.Error().Err(err).Msg("Credential delete failed")
		serverError(c, "failed to delete credentials")
		return
	}
	if err := s.exchanges.Unlink(c.Request.Context(), userID, exchangeID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "exchange link not found")
			return
		}
		serverError(c, "failed to unlink exchange")
		return
	}
	respondOK(c, nil, "exchange unlinked")
}

// handleDisconnectExchange deactivates the link but keeps credentials, so it
// can be re-enabled without re-entering keys.
func (s *Server) handleDisconnectExchange(c *gin.Context) {
	userID, exchangeID, ok := s.bindExchangeAction(c)
	if !ok {
		return
	}
	if err := s.exchanges.SetActive(c.Request.Context(), userID, exchangeID, false); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "exchange link not found")
			return
		}
		serverError(c, "failed to disconnect exchange")
		return
	}
	respondOK(c, nil, "exchange disconnected")
}

func (s *Server) handleConnectExchange(c *gin.Context) {
	userID, exchangeID, ok := s.bindExchangeAction(c)
	if !ok {
		return
	}
	if err := s.exchanges.SetActive(c.Request.Context(), userID, exchangeID, true); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "exchange link not found")
			return
		}
		serverError(c, "failed to connect exchange")
		return
	}
	respondOK(c, nil, "exchange connected")
}

// handleDeleteExchange is the destructive variant: credentials, link, and the
// user's strategies on that exchange all go.
func (s *Server) handleDeleteExchange(c *gin.Context) {
	userID, exchangeID, ok := s.bindExchangeAction(c)
	if !ok {
		return
	}

	if err := s.vault.Delete(c.Request.Context(), userID, exchangeID); err != nil {
		s.logger.Error().Err(err).Msg("Credential delete failed")
		serverError(c, "failed to delete credentials")
		return
	}

	strategies, err := s.strategies.List(c.Request.Context(), database.ListFilter{
		UserID:     userID,
		ExchangeID: exchangeID,
	})
	if err != nil {
		serverError(c, "failed to list strategies for cleanup")
		return
	}
	for _, st := range strategies {
		if err := s.strategies.Delete(c.Request.Context(), st.ID); err != nil {
			s.logger.Error().Err(err).Str("strategy_id", st.ID).Msg("Strategy cleanup failed")
		}
	}

	if err := s.exchanges.Unlink(c.Request.Context(), userID, exchangeID); err != nil && !errors.Is(err, database.ErrNotFound) {
		serverError(c, "failed to remove exchange link")
		return
	}
	respondOK(c, gin.H{"strategies_removed": len(strategies)}, "exchange deleted")
}
