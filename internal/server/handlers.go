package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txfeatures/internal/engine"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/health"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/model"
	"github.com/mbd888/txfeatures/internal/txn"
	"github.com/mbd888/txfeatures/internal/validation"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Backend      string          `json:"backend"`
	ModelLoaded  bool            `json:"model_loaded"`
	FeatureCount int             `json:"feature_count"`
	Fingerprint  string          `json:"fingerprint"`
	Checks       []health.Status `json:"checks"`
	Timestamp    string          `json:"timestamp"`
}

// PredictResponse is the /v1/predict body.
type PredictResponse struct {
	Fraud       bool               `json:"is_fraud"`
	Probability float64            `json:"proba"`
	Features    map[string]float64 `json:"features"`
	Vector      []float64          `json:"vector"`
	Stored      bool               `json:"stored"`
	Seq         int64              `json:"seq,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:       status,
		Version:      Version,
		Backend:      s.backend,
		ModelLoaded:  s.modelLoaded,
		FeatureCount: features.Count,
		Fingerprint:  features.Fingerprint(),
		Checks:       checks,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) featureNamesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"features":    features.Names(),
		"fingerprint": features.Fingerprint(),
	})
}

// extractHandler returns the feature vector for an event without touching
// history.
func (s *Server) extractHandler(c *gin.Context) {
	ev, ok := bindEvent(c)
	if !ok {
		return
	}
	v, err := s.engine.Extract(c.Request.Context(), ev)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// predictHandler scores an event. With ?store=1 the event is committed to
// history after scoring, under the same entity lock.
func (s *Server) predictHandler(c *gin.Context) {
	ev, ok := bindEvent(c)
	if !ok {
		return
	}
	store, err := queryBool(c, "store")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "store must be a boolean",
		})
		return
	}

	var pred model.Prediction
	score := func(ctx context.Context, v features.Vector) error {
		p, err := s.scorer.Score(ctx, v)
		if err != nil {
			return err
		}
		pred = p
		decision := "pass"
		if p.Fraud {
			decision = "flag"
		}
		metrics.PredictionsTotal.WithLabelValues(decision).Inc()
		return nil
	}

	res, err := s.engine.Process(c.Request.Context(), ev, score, store)
	if err != nil {
		respondError(c, err)
		return
	}

	if pred.Fraud {
		logging.L(c.Request.Context()).Info("transaction flagged",
			"entity", ev.Entity, "txn_id", ev.TxnID, "proba", pred.Probability)
	}

	c.JSON(http.StatusOK, PredictResponse{
		Fraud:       pred.Fraud,
		Probability: pred.Probability,
		Features:    res.Vector.Map(),
		Vector:      res.Vector.Values(),
		Stored:      res.Committed,
		Seq:         res.Seq,
	})
}

// commitHandler admits an event into history. The event is still extracted
// first so the commit carries a valid witness.
func (s *Server) commitHandler(c *gin.Context) {
	ev, ok := bindEvent(c)
	if !ok {
		return
	}
	res, err := s.engine.Process(c.Request.Context(), ev, nil, true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"seq":    res.Seq,
		"entity": ev.Entity,
		"as_of":  ev.Timestamp,
	})
}

func bindEvent(c *gin.Context) (txn.Event, bool) {
	var ev txn.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds limit",
			})
			return txn.Event{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON transaction record",
		})
		return txn.Event{}, false
	}

	ev = validation.Sanitize(ev)
	if errs := validation.Event(ev); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return txn.Event{}, false
	}
	return ev, true
}

func queryBool(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrCausality):
		c.JSON(http.StatusConflict, gin.H{"error": "causality_violation", "message": err.Error()})
	case errors.Is(err, model.ErrNoModel):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model_unavailable", "message": "No model loaded"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": "Request timed out"})
	case errors.Is(err, context.Canceled):
		c.JSON(499, gin.H{"error": "canceled", "message": "Request canceled"})
	case errors.Is(err, history.ErrStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history_unavailable", "message": "History store unavailable"})
	default:
		logging.L(c.Request.Context()).Error("unhandled error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
