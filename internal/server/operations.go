package server

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	meteringdomain "github.com/scribeforge/creditd/internal/metering/domain"
)

type runOperationRequest struct {
	UserID      string          `json:"user_id"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
}

type runOperationResponse struct {
	OperationID string                 `json:"operation_id"`
	Outcome     meteringdomain.Outcome `json:"outcome"`
}

func (s *Server) RunOperation(c *gin.Context) {
	var req runOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user id is required"))
		return
	}

	// Callers that want retry-safety supply their own operation id; one is
	// minted otherwise, making the request single-shot.
	req.OperationID = strings.TrimSpace(req.OperationID)
	if req.OperationID == "" {
		req.OperationID = ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	}

	outcome, err := s.meteringSvc.Run(c.Request.Context(), req.UserID, req.OperationID, req.Payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, runOperationResponse{
		OperationID: req.OperationID,
		Outcome:     outcome,
	})
}
