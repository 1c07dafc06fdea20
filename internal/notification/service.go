// Package notification persists user-facing notifications and mirrors them
// onto the event bus for live delivery. Everything here is best effort: a
// failed notification never fails the operation that produced it.
package notification

import (
	"context"

	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
)

type Service struct {
	repo   *database.NotificationRepository
	bus    *events.Bus
	logger zerolog.Logger
}

func NewService(repo *database.NotificationRepository, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// Notify stores a notification and publishes it to the user's live stream.
func (s *Service) Notify(ctx context.Context, userID, notifType, title, message string, data map[string]interface{}) {
	n := &database.Notification{
		UserID:  userID,
		Type:    notifType,
		Title:   title,
		Message: message,
		Data:    data,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("type", notifType).
			Msg("Failed to persist notification")
	}

	s.bus.Publish(events.Event{
		Type:   events.EventNotification,
		UserID: userID,
		Data: map[string]interface{}{
			"id":      n.ID,
			"type":    notifType,
			"title":   title,
			"message": message,
			"data":    data,
		},
	})
}

// StrategyExecuted announces a filled strategy order.
func (s *Service) StrategyExecuted(ctx context.Context, userID, strategyID, token, action, reason string, price, amount, pnl float64) {
	s.Notify(ctx, userID, database.NotificationStrategyExecuted,
		"Strategy executed",
		action+" "+token+" ("+reason+")",
		map[string]interface{}{
			"strategy_id": strategyID,
			"token":       token,
			"action":      action,
			"reason":      reason,
			"price":       price,
			"amount":      amount,
			"pnl_usd":     pnl,
		})
}

// OrderFailed announces a rejected or errored order attempt.
func (s *Service) OrderFailed(ctx context.Context, userID, strategyID, token, reason string, err error) {
	data := map[string]interface{}{
		"strategy_id": strategyID,
		"token":       token,
		"reason":      reason,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.Notify(ctx, userID, database.NotificationOrderFailed,
		"Order failed",
		"Order for "+token+" failed",
		data)
}

// StrategyPaused announces a circuit-breaker pause.
func (s *Service) StrategyPaused(ctx context.Context, userID, strategyID, token, window string) {
	s.Notify(ctx, userID, database.NotificationStrategyPaused,
		"Strategy paused",
		token+" paused by loss limit ("+window+")",
		map[string]interface{}{
			"strategy_id": strategyID,
			"token":       token,
			"window":      window,
		})
}

// CredentialsInvalid announces that an exchange rejected the user's API keys.
func (s *Service) CredentialsInvalid(ctx context.Context, userID, exchangeID string) {
	s.Notify(ctx, userID, database.NotificationCredentialsInvalid,
		"Exchange credentials invalid",
		"Your API keys were rejected; re-link the exchange",
		map[string]interface{}{"exchange_id": exchangeID})
}
