package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
)

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user id is required"))
		return
	}

	balance, err := s.accountSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type usageResponse struct {
	UserID  string                     `json:"user_id"`
	Records []ledgerdomain.UsageRecord `json:"records"`
}

func (s *Server) ListUsage(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user id is required"))
		return
	}

	req := ledgerdomain.ListRequest{UserID: userID}

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
			return
		}
		req.Limit = limit
	}

	if raw := strings.TrimSpace(c.Query("reason")); raw != "" {
		reason := ledgerdomain.UsageReason(raw)
		if !ledgerdomain.ValidReason(reason) {
			AbortWithError(c, newValidationError("reason", "invalid_reason", "unknown usage reason"))
			return
		}
		req.Reason = reason
	}

	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("before", "invalid_before", "before must be RFC3339"))
			return
		}
		req.Before = &before
	}

	records, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []ledgerdomain.UsageRecord{}
	}

	c.JSON(http.StatusOK, usageResponse{UserID: userID, Records: records})
}
