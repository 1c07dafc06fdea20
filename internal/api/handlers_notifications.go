package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/auth"
	"crypto-strategy-bot/internal/database"
)

func (s *Server) handleListNotifications(c *gin.Context) {
	userID := s.authorizeUser(c, c.Query("user_id"))
	if userID == "" {
		return
	}

	unreadOnly := c.Query("unread") == "true"
	limit := intQuery(c, "limit", 50)

	list, err := s.notifications.ListByUser(c.Request.Context(), userID, unreadOnly, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Notification list failed")
		serverError(c, "failed to list notifications")
		return
	}
	respondList(c, list, len(list))
}

func (s *Server) handleMarkNotificationRead(c *gin.Context) {
	userID := auth.GetUserID(c)
	if err := s.notifications.MarkRead(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(c, "notification not found")
			return
		}
		s.logger.Error().Err(err).Msg("Notification mark-read failed")
		serverError(c, "failed to mark notification read")
		return
	}
	respondOK(c, nil, "notification marked read")
}
