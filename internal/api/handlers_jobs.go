package api

import (
	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/auth"
)

func (s *Server) handleJobStatus(c *gin.Context) {
	statuses := s.jobManager.StatusAll()
	respondList(c, statuses, len(statuses))
}

type jobControlRequest struct {
	Job    string `json:"job" binding:"required"`
	Action string `json:"action" binding:"required,oneof=start stop restart"`
}

func (s *Server) handleJobControl(c *gin.Context) {
	if !auth.IsAdmin(c) {
		forbidden(c, "admin access required")
		return
	}

	var req jobControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	if err := s.jobManager.Control(req.Job, req.Action); err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	job, _ := s.jobManager.Get(req.Job)
	respondOK(c, job.Status(), "job "+req.Action+" applied")
}

func (s *Server) handleJobTrigger(c *gin.Context) {
	if !auth.IsAdmin(c) {
		forbidden(c, "admin access required")
		return
	}

	name := c.Param("job")
	if err := s.jobManager.Trigger(name); err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	job, _ := s.jobManager.Get(name)
	respondOK(c, job.Status(), "job triggered")
}
