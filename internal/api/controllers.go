package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-engine/internal/marketgate"
	"signal-engine/internal/signal"
	"signal-engine/internal/supervisor"
	"signal-engine/pkg/db"
)

// maxSignalBody bounds webhook payloads; real alerts are a few hundred bytes.
const maxSignalBody = 64 << 10

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type storeCredentialRequest struct {
	Exchange    string `json:"exchange" binding:"required,min=1"`
	Environment string `json:"environment" binding:"required,oneof=mainnet testnet"`
	APIKey      string `json:"api_key" binding:"required,min=1"`
	APISecret   string `json:"api_secret" binding:"required,min=1"`
}

type marketGateRequest struct {
	Value      *int      `json:"value" binding:"required,min=0,max=100"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.log.Error(msg, zap.String("request_id", c.GetString("RequestID")), zap.Error(err))
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", msg)
}

// receiveSignal is the webhook ingress. Validation failures answer
// synchronously; execution happens in the background pipeline.
func (s *Server) receiveSignal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignalBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "unreadable body")
		return
	}

	sig, err := s.Engine.IngestSignal(c.Request.Context(), raw, c.Query("token"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "signal_id": sig.ID})
	case errors.Is(err, signal.ErrDuplicate):
		resp := gin.H{"success": true, "duplicate": true}
		if sig != nil {
			resp["signal_id"] = sig.ID
		}
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, signal.ErrBadToken):
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
	case errors.Is(err, signal.ErrStale):
		respondError(c, http.StatusBadRequest, "STALE_SIGNAL", err.Error())
	case errors.Is(err, signal.ErrUnknownAction):
		respondError(c, http.StatusBadRequest, "UNKNOWN_ACTION", err.Error())
	case errors.Is(err, signal.ErrMalformed):
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	default:
		s.internalError(c, "signal ingestion failed", err)
	}
}

func (s *Server) getPositions(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	positions, err := s.Engine.ListPositions(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		s.internalError(c, "list positions failed", err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPosition(c *gin.Context) {
	pos, err := s.Engine.GetPosition(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
		return
	}
	if err != nil {
		s.internalError(c, "get position failed", err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// closePosition runs a manual close synchronously and returns the closed
// position with its closure record.
func (s *Server) closePosition(c *gin.Context) {
	pos, err := s.Engine.ClosePosition(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, pos)
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
	case errors.Is(err, supervisor.ErrCloseInProgress):
		respondError(c, http.StatusConflict, "CLOSE_IN_PROGRESS", err.Error())
	case errors.Is(err, supervisor.ErrNotActive):
		respondError(c, http.StatusConflict, "POSITION_NOT_OPEN", err.Error())
	case errors.Is(err, supervisor.ErrFrozen), errors.Is(err, supervisor.ErrDesync):
		respondError(c, http.StatusConflict, "POSITION_FROZEN", err.Error())
	default:
		s.log.Warn("manual close failed", zap.String("position_id", c.Param("id")), zap.Error(err))
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
	}
}

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.Engine.ListCredentials(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.internalError(c, "list credentials failed", err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (s *Server) storeCredential(c *gin.Context) {
	var req storeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	info, err := s.Engine.StoreCredential(c.Request.Context(), CurrentUserID(c), req.Exchange, req.Environment, req.APIKey, req.APISecret)
	if err != nil {
		s.internalError(c, "store credential failed", err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) deactivateAccount(c *gin.Context) {
	err := s.Engine.DeactivateAccount(c.Request.Context(), CurrentUserID(c))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "no trader account for this user")
		return
	}
	if err != nil {
		s.internalError(c, "deactivate account failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (s *Server) getCommissions(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	recs, err := s.Engine.ListCommissions(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		s.internalError(c, "list commissions failed", err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) getMarketGate(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.MarketGate(c.Request.Context()))
}

func (s *Server) updateMarketGate(c *gin.Context) {
	var req marketGateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Source == "" {
		req.Source = "feed"
	}

	state, err := s.Engine.UpdateMarketGate(c.Request.Context(), *req.Value, req.ObservedAt, req.Source)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"value":          state.Value,
			"classification": state.Classification,
			"observed_at":    state.ObservedAt,
		})
	case errors.Is(err, marketgate.ErrOutOfRange):
		respondError(c, http.StatusBadRequest, "OUT_OF_RANGE", err.Error())
	case errors.Is(err, marketgate.ErrFuture):
		respondError(c, http.StatusBadRequest, "FUTURE_OBSERVATION", err.Error())
	case errors.Is(err, marketgate.ErrOutOfOrder):
		respondError(c, http.StatusConflict, "OUT_OF_ORDER", err.Error())
	default:
		s.internalError(c, "update market gate failed", err)
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not initialized")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
