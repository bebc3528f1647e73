package handlers

import (
	"errors"
	"net/http"

	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
	"sap-analysis-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

type AnalysisHandler struct {
	orchestrator *services.Orchestrator
	runner       *services.TaskRunner
	statuses     *services.StatusStore
	logger       *logger.Logger
}

func NewAnalysisHandler(
	orchestrator *services.Orchestrator,
	runner *services.TaskRunner,
	statuses *services.StatusStore,
	log *logger.Logger) *AnalysisHandler {

	return &AnalysisHandler{
		orchestrator: orchestrator,
		runner:       runner,
		statuses:     statuses,
		logger:       log,
	}
}

func (handler *AnalysisHandler) RegisterRoutes(router *gin.RouterGroup) {
	analysis := router.Group("/analysis")
	{
		analysis.POST("", handler.StartAnalysis)
		analysis.GET("/active", handler.ListActiveAnalyses)
		analysis.GET("/:id/status", handler.GetAnalysisStatus)
		analysis.GET("/:id/result", handler.GetAnalysisResult)
		analysis.DELETE("/:id", handler.CancelAnalysis)
	}
	router.GET("/stats", handler.GetStats)
}

// StartAnalysis accepts the request, registers a pending status and hands
// the run to the worker pool. The response carries only the analysis id and
// the initial status; clients poll for progress.
func (handler *AnalysisHandler) StartAnalysis(c *gin.Context) {
	var request models.AnalysisRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, handler.logger,
			models.NewValidationError("INVALID_REQUEST", "Invalid analysis request").WithCause(err))
		return
	}

	if !request.SAPModule.IsValid() {
		respondError(c, handler.logger,
			models.NewValidationError("INVALID_SAP_MODULE", "Unknown SAP module").
				WithMetadata("sap_module", string(request.SAPModule)))
		return
	}

	accepted, err := startAnalysis(handler.runner, handler.statuses, request)
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	handler.logger.LogAnalysis(accepted.AnalysisID, "analysis_accepted", 0, nil)

	c.JSON(http.StatusAccepted, models.AnalysisResponse{
		AnalysisID:         accepted.AnalysisID,
		Status:             accepted.Status,
		ProgressPercentage: accepted.ProgressPercentage,
		CurrentStage:       accepted.CurrentStage,
		CreatedAt:          accepted.CreatedAt,
	})
}

// startAnalysis is shared by the JSON route and the multipart upload route.
// It returns the pending snapshot taken before the run was handed to the
// worker pool; once Submit succeeds the state belongs to the worker and must
// not be read here.
func startAnalysis(runner *services.TaskRunner, statuses *services.StatusStore, request models.AnalysisRequest) (*models.StatusSnapshot, error) {
	state := models.NewPipelineState(request)
	accepted := state.Snapshot()
	statuses.Upsert(accepted)

	if err := runner.Submit(state); err != nil {
		state.MarkFailed(err.Error())
		statuses.Upsert(state.Snapshot())
		return nil, err
	}

	return accepted, nil
}

func (handler *AnalysisHandler) GetAnalysisStatus(c *gin.Context) {
	snapshot, err := handler.statuses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis_id":         snapshot.AnalysisID,
		"status":              snapshot.Status,
		"progress_percentage": snapshot.ProgressPercentage,
		"current_stage":       snapshot.CurrentStage,
		"created_at":          snapshot.CreatedAt,
		"error_message":       snapshot.ErrorMessage,
	})
}

func (handler *AnalysisHandler) GetAnalysisResult(c *gin.Context) {
	snapshot, err := handler.statuses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	switch snapshot.Status {
	case models.AnalysisStatusCompleted:
		c.JSON(http.StatusOK, snapshot.Result)
	case models.AnalysisStatusError:
		respondError(c, handler.logger,
			models.NewConflictError("ANALYSIS_FAILED", snapshot.ErrorMessage).
				WithMetadata("analysis_id", snapshot.AnalysisID))
	default:
		respondError(c, handler.logger,
			models.ErrAnalysisNotReady.WithMetadata("analysis_id", snapshot.AnalysisID))
	}
}

func (handler *AnalysisHandler) ListActiveAnalyses(c *gin.Context) {
	active := handler.statuses.ListActive()

	c.JSON(http.StatusOK, gin.H{
		"count":    len(active),
		"analyses": active,
	})
}

func (handler *AnalysisHandler) CancelAnalysis(c *gin.Context) {
	err := handler.orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "cancelled"})
}

func (handler *AnalysisHandler) GetStats(c *gin.Context) {
	stats := handler.orchestrator.GetStats()
	stats["queue_depth"] = handler.runner.QueueDepth()

	c.JSON(http.StatusOK, stats)
}

func (handler *AnalysisHandler) HealthCheck(c *gin.Context) {
	if err := handler.orchestrator.HealthCheck(c.Request.Context()); err != nil {
		handler.logger.WithError(err).Error("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.NewInternalError("INTERNAL_ERROR", "Internal server error").WithCause(err)
	}

	status := statusForCategory(appErr.Category)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed", "code", appErr.Code)
	} else {
		log.WithError(err).Warn("Request rejected", "code", appErr.Code)
	}

	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

func statusForCategory(category models.ErrorCategory) int {
	switch category {
	case models.ErrorCategoryValidation:
		return http.StatusBadRequest
	case models.ErrorCategoryNotFound:
		return http.StatusNotFound
	case models.ErrorCategoryConflict:
		return http.StatusConflict
	case models.ErrorCategoryTimeout:
		return http.StatusGatewayTimeout
	case models.ErrorCategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
