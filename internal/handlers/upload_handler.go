package handlers

import (
	"io"
	"net/http"

	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
	"sap-analysis-pipeline/internal/services"

	"github.com/gin-gonic/gin"
)

const previewRowLimit = 10

type UploadHandler struct {
	requirements *services.RequirementsService
	runner       *services.TaskRunner
	statuses     *services.StatusStore
	logger       *logger.Logger
}

func NewUploadHandler(
	requirements *services.RequirementsService,
	runner *services.TaskRunner,
	statuses *services.StatusStore,
	log *logger.Logger) *UploadHandler {

	return &UploadHandler{
		requirements: requirements,
		runner:       runner,
		statuses:     statuses,
		logger:       log,
	}
}

func (handler *UploadHandler) RegisterRoutes(router *gin.RouterGroup) {
	upload := router.Group("/upload")
	{
		upload.POST("/requirements", handler.UploadRequirements)
		upload.POST("/analyze-with-file", handler.StartAnalysisWithFile)
		upload.GET("/preview/:name", handler.PreviewRequirements)
	}
}

// UploadRequirements stores a requirements file and returns its descriptor
// plus the detected schema, so clients can confirm the columns were
// understood before starting an analysis.
func (handler *UploadHandler) UploadRequirements(c *gin.Context) {
	info, parsed, err := handler.receiveRequirementsFile(c)
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"file":       info,
		"schema":     parsed.Schema,
		"total_rows": parsed.TotalRows,
		"columns":    parsed.Columns,
	})
}

// StartAnalysisWithFile accepts the requirements file and the analysis
// parameters in one multipart request. The stored file descriptor is wired
// into the request before the run is scheduled.
func (handler *UploadHandler) StartAnalysisWithFile(c *gin.Context) {
	request := models.AnalysisRequest{
		PresentationID:      c.PostForm("presentation_id"),
		MeetingTranscriptID: c.PostForm("meeting_transcript_id"),
		SAPModule:           models.SAPModule(c.PostForm("sap_module")),
		AnalysisType:        models.AnalysisType(c.PostForm("analysis_type")),
		AdditionalContext:   c.PostForm("additional_context"),
	}

	if request.PresentationID == "" {
		respondError(c, handler.logger,
			models.NewValidationError("MISSING_PRESENTATION_ID", "presentation_id is required"))
		return
	}
	if !request.SAPModule.IsValid() {
		respondError(c, handler.logger,
			models.NewValidationError("INVALID_SAP_MODULE", "Unknown SAP module").
				WithMetadata("sap_module", string(request.SAPModule)))
		return
	}

	info, _, err := handler.receiveRequirementsFile(c)
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}
	request.RequirementsFile = info

	accepted, err := startAnalysis(handler.runner, handler.statuses, request)
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	handler.logger.LogAnalysis(accepted.AnalysisID, "analysis_accepted_with_file", 0, nil)

	c.JSON(http.StatusAccepted, models.AnalysisResponse{
		AnalysisID:         accepted.AnalysisID,
		Status:             accepted.Status,
		ProgressPercentage: accepted.ProgressPercentage,
		CurrentStage:       accepted.CurrentStage,
		CreatedAt:          accepted.CreatedAt,
	})
}

// PreviewRequirements returns the first rows of a stored upload.
func (handler *UploadHandler) PreviewRequirements(c *gin.Context) {
	path, err := handler.requirements.StoredFilePath(c.Param("name"))
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	parsed, err := handler.requirements.ParseStoredFile(path)
	if err != nil {
		respondError(c, handler.logger, err)
		return
	}

	rows := parsed.Requirements
	if len(rows) > previewRowLimit {
		rows = rows[:previewRowLimit]
	}

	c.JSON(http.StatusOK, gin.H{
		"schema":     parsed.Schema,
		"columns":    parsed.Columns,
		"total_rows": parsed.TotalRows,
		"rows":       rows,
	})
}

// receiveRequirementsFile validates, stores and parses the "file" part of a
// multipart request. Parsing up front rejects unreadable files before an
// analysis is ever scheduled against them.
func (handler *UploadHandler) receiveRequirementsFile(c *gin.Context) (*models.FileUploadInfo, *models.ParsedRequirements, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, nil, models.NewValidationError("MISSING_FILE", "Multipart field 'file' is required").WithCause(err)
	}

	if err := handler.requirements.ValidateUpload(fileHeader.Filename, fileHeader.Size); err != nil {
		return nil, nil, err
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, nil, models.NewInternalError("FILE_OPEN_FAILED", "Failed to open uploaded file").WithCause(err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, models.NewInternalError("FILE_READ_FAILED", "Failed to read uploaded file").WithCause(err)
	}

	info, err := handler.requirements.SaveUploadedFile(content, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, err
	}

	parsed, err := handler.requirements.ParseStoredFile(info.FilePath)
	if err != nil {
		return nil, nil, err
	}

	return info, parsed, nil
}
