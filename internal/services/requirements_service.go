package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// RequirementsParser is the tabular-ingestion contract: file bytes plus kind
// in, extracted rows plus detected schema out.
type RequirementsParser interface {
	ParseRequirements(content []byte, kind string) (*models.ParsedRequirements, error)
}

type RequirementsService struct {
	config config.UploadConfig
	logger *logger.Logger
}

// columnPatterns maps each semantic field to the header keywords that
// identify it. First match wins.
var columnPatterns = map[string][]string{
	"id":                  {"id", "key", "identifier", "req_id", "requirement_id", "code"},
	"description":         {"description", "requirement", "desc", "summary"},
	"category":            {"category", "type", "classification"},
	"priority":            {"priority", "urgency", "importance"},
	"status":              {"status", "state", "situation"},
	"business_process":    {"process", "business_process", "workflow"},
	"acceptance_criteria": {"criteria", "acceptance", "validation"},
	"notes":               {"notes", "comments", "observations", "remarks"},
	"effort":              {"effort", "estimate", "hours", "days"},
	"module":              {"module", "sap_module", "area", "domain"},
	"complexity":          {"complexity", "difficulty"},
}

// columnOrder fixes the detection order so a header claimed by one field is
// not reconsidered for a later one.
var columnOrder = []string{
	"id",
	"description",
	"category",
	"priority",
	"status",
	"business_process",
	"acceptance_criteria",
	"notes",
	"effort",
	"module",
	"complexity",
}

var columnDefaults = map[string]string{
	"category": "Functional",
	"priority": "Medium",
	"status":   "New",
}

func NewRequirementsService(cfg config.UploadConfig, log *logger.Logger) (*RequirementsService, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory %q: %w", cfg.Dir, err)
	}

	log.Info("Requirements Service Initialized Successfully",
		"uploads_dir", cfg.Dir,
		"max_file_size", cfg.MaxFileSizeBytes,
		"allowed_types", cfg.AllowedTypes)

	return &RequirementsService{
		config: cfg,
		logger: log,
	}, nil
}

// ValidateUpload checks file kind and size before anything is written.
func (service *RequirementsService) ValidateUpload(filename string, size int64) error {
	kind := strings.ToLower(filepath.Ext(filename))

	allowed := false
	for _, ext := range service.config.AllowedTypes {
		if kind == ext {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.ErrUnsupportedFileKind.
			WithMetadata("file_type", kind).
			WithMetadata("allowed_types", service.config.AllowedTypes)
	}

	if size > service.config.MaxFileSizeBytes {
		return models.NewValidationError("FILE_TOO_LARGE",
			fmt.Sprintf("File exceeds maximum size of %dMB", service.config.MaxFileSizeBytes/(1024*1024)))
	}

	return nil
}

// SaveUploadedFile writes the content under a fresh UUID name and returns
// the upload descriptor.
func (service *RequirementsService) SaveUploadedFile(content []byte, filename, contentType string) (*models.FileUploadInfo, error) {
	startTime := time.Now()

	storedName := uuid.New().String() + strings.ToLower(filepath.Ext(filename))
	storedPath := filepath.Join(service.config.Dir, storedName)

	if err := os.WriteFile(storedPath, content, 0o644); err != nil {
		service.logger.LogService("requirements", "save_file", time.Since(startTime), map[string]interface{}{
			"filename": filename,
		}, err)
		return nil, models.NewInternalError("FILE_SAVE_FAILED", "Failed to save uploaded file").WithCause(err)
	}

	service.logger.LogService("requirements", "save_file", time.Since(startTime), map[string]interface{}{
		"filename":    filename,
		"stored_path": storedPath,
		"size":        len(content),
	}, nil)

	return &models.FileUploadInfo{
		Filename:    filename,
		FileSize:    int64(len(content)),
		ContentType: contentType,
		FilePath:    storedPath,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// StoredFilePath resolves an upload by its stored name. The name is reduced
// to its base component so callers cannot escape the uploads directory.
func (service *RequirementsService) StoredFilePath(name string) (string, error) {
	path := filepath.Join(service.config.Dir, filepath.Base(name))
	if _, err := os.Stat(path); err != nil {
		return "", models.NewNotFoundError("UPLOAD_NOT_FOUND", "Uploaded file not found").WithCause(err)
	}
	return path, nil
}

// ParseStoredFile reads a previously saved upload and parses it.
func (service *RequirementsService) ParseStoredFile(path string) (*models.ParsedRequirements, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewInternalError("FILE_READ_FAILED", "Failed to read requirements file").WithCause(err)
	}
	return service.ParseRequirements(content, strings.ToLower(filepath.Ext(path)))
}

// ParseRequirements extracts requirement rows and the detected column
// schema. Rows without a description are skipped; missing columns fall back
// to defaults.
func (service *RequirementsService) ParseRequirements(content []byte, kind string) (*models.ParsedRequirements, error) {
	startTime := time.Now()

	var rows [][]string
	var err error

	switch kind {
	case ".xlsx":
		rows, err = readXLSX(content)
	case ".csv":
		rows, err = readCSV(content)
	default:
		return nil, models.ErrUnsupportedFileKind.WithMetadata("file_type", kind)
	}
	if err != nil {
		return nil, models.NewValidationError("FILE_PARSE_FAILED", "Failed to parse requirements file").WithCause(err)
	}

	if len(rows) == 0 {
		return nil, models.NewValidationError("FILE_EMPTY", "Requirements file contains no rows")
	}

	headers := rows[0]
	schema := detectColumns(headers)

	requirements := make([]map[string]string, 0, len(rows)-1)
	for index, row := range rows[1:] {
		requirement := extractRequirement(headers, row, schema, index+1)
		if strings.TrimSpace(requirement["description"]) == "" {
			continue
		}
		requirements = append(requirements, requirement)
	}

	parsed := &models.ParsedRequirements{
		Requirements: requirements,
		Schema:       schema,
		TotalRows:    len(rows) - 1,
		Columns:      headers,
	}

	service.logger.LogService("requirements", "parse_file", time.Since(startTime), map[string]interface{}{
		"file_kind":          kind,
		"total_rows":         parsed.TotalRows,
		"total_requirements": len(requirements),
		"columns_detected":   len(schema),
	}, nil)

	return parsed, nil
}

func readXLSX(content []byte) ([][]string, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(content []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return rows, nil
}

func detectColumns(headers []string) map[string]string {
	lowered := make([]string, len(headers))
	for i, header := range headers {
		lowered[i] = strings.ToLower(strings.TrimSpace(header))
	}

	schema := make(map[string]string)
	claimed := make(map[int]bool, len(headers))

	for _, field := range columnOrder {
		for _, keyword := range columnPatterns[field] {
			matched := -1
			for i, header := range lowered {
				if !claimed[i] && strings.Contains(header, keyword) {
					matched = i
					break
				}
			}
			if matched >= 0 {
				schema[field] = headers[matched]
				claimed[matched] = true
				break
			}
		}
	}
	return schema
}

func extractRequirement(headers, row []string, schema map[string]string, rowNumber int) map[string]string {
	values := make(map[string]string, len(headers))
	for i, header := range headers {
		if i < len(row) {
			values[header] = strings.TrimSpace(row[i])
		}
	}

	requirement := map[string]string{
		"source_row": fmt.Sprintf("%d", rowNumber),
	}

	for field := range columnPatterns {
		column, detected := schema[field]
		value := ""
		if detected {
			value = values[column]
		}
		if value == "" {
			value = columnDefaults[field]
		}
		if value != "" {
			requirement[field] = value
		}
	}

	if requirement["id"] == "" {
		requirement["id"] = fmt.Sprintf("REQ-%03d", rowNumber)
	}
	if _, ok := requirement["description"]; !ok {
		requirement["description"] = ""
	}

	return requirement
}
