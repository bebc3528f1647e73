package models

import (
	"time"

	"github.com/google/uuid"
)

type AnalysisStatus string

const (
	AnalysisStatusPending    AnalysisStatus = "pending"
	AnalysisStatusProcessing AnalysisStatus = "processing"
	AnalysisStatusCompleted  AnalysisStatus = "completed"
	AnalysisStatusError      AnalysisStatus = "error"
)

type StageIdentity string

const (
	StageProcessAnalysis      StageIdentity = "process_analysis"
	StageRequirementsAnalysis StageIdentity = "requirements_analysis"
	StageGapAnalysis          StageIdentity = "gap_analysis"
	StageMeetingAnalysis      StageIdentity = "meeting_analysis"
	StageReportGeneration     StageIdentity = "report_generation"
)

type SAPModule string

const (
	ModuleFI   SAPModule = "FI"
	ModuleFIAA SAPModule = "FI-AA"
	ModuleCO   SAPModule = "CO"
	ModuleMM   SAPModule = "MM"
	ModuleSD   SAPModule = "SD"
	ModulePP   SAPModule = "PP"
	ModuleHR   SAPModule = "HR"
	ModuleQM   SAPModule = "QM"
)

func (m SAPModule) IsValid() bool {
	switch m {
	case ModuleFI, ModuleFIAA, ModuleCO, ModuleMM, ModuleSD, ModulePP, ModuleHR, ModuleQM:
		return true
	}
	return false
}

type AnalysisType string

const (
	AnalysisTypeGapAnalysis           AnalysisType = "gap_analysis"
	AnalysisTypeProcessReview         AnalysisType = "process_review"
	AnalysisTypeRequirementValidation AnalysisType = "requirement_validation"
	AnalysisTypeFullAnalysis          AnalysisType = "full_analysis"
)

type BusinessImpact string

const (
	ImpactVeryLow  BusinessImpact = "very_low"
	ImpactLow      BusinessImpact = "low"
	ImpactMedium   BusinessImpact = "medium"
	ImpactHigh     BusinessImpact = "high"
	ImpactVeryHigh BusinessImpact = "very_high"
)

type FileUploadInfo struct {
	Filename    string    `json:"filename"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	FilePath    string    `json:"file_path"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type AnalysisRequest struct {
	PresentationID      string          `json:"presentation_id" binding:"required"`
	RequirementsFile    *FileUploadInfo `json:"requirements_file_info,omitempty"`
	MeetingTranscriptID string          `json:"meeting_transcript_id,omitempty"`
	SAPModule           SAPModule       `json:"sap_module" binding:"required"`
	AnalysisType        AnalysisType    `json:"analysis_type,omitempty"`
	AdditionalContext   string          `json:"additional_context,omitempty"`
}

type StageMetrics struct {
	TokensUsed           int     `json:"tokens_used"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// StageResult is written exactly once by the stage that produced it and
// never mutated afterwards.
type StageResult struct {
	Stage            StageIdentity          `json:"stage"`
	RawOutput        string                 `json:"raw_output"`
	StructuredOutput map[string]interface{} `json:"structured_output,omitempty"`
	Metrics          StageMetrics           `json:"metrics"`
}

// PipelineState is the mutable record of one analysis run. It is owned
// exclusively by the orchestrator goroutine executing the run; readers see
// it only through StatusSnapshot copies.
type PipelineState struct {
	AnalysisID string          `json:"analysis_id"`
	Request    AnalysisRequest `json:"request"`

	StageOutputs map[StageIdentity]*StageResult `json:"stage_outputs"`

	Status             AnalysisStatus  `json:"status"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentStage       string          `json:"current_stage,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	FinalResult        *AnalysisResult `json:"final_result,omitempty"`
}

func NewPipelineState(req AnalysisRequest) *PipelineState {
	return &PipelineState{
		AnalysisID:         GenerateAnalysisID(),
		Request:            req,
		StageOutputs:       make(map[StageIdentity]*StageResult),
		Status:             AnalysisStatusPending,
		ProgressPercentage: 0,
		CreatedAt:          time.Now().UTC(),
	}
}

func GenerateAnalysisID() string {
	return uuid.New().String()
}

// SetStage moves the run to a new checkpoint. Progress never decreases.
func (state *PipelineState) SetStage(label string, progress float64) {
	state.CurrentStage = label
	if progress > state.ProgressPercentage {
		state.ProgressPercentage = progress
	}
}

// StoreStageOutput records a stage's result. Each stage writes its own key
// exactly once; a second write for the same stage is ignored.
func (state *PipelineState) StoreStageOutput(result *StageResult) {
	if result == nil {
		return
	}
	if _, exists := state.StageOutputs[result.Stage]; exists {
		return
	}
	state.StageOutputs[result.Stage] = result
}

func (state *PipelineState) StageOutput(stage StageIdentity) (*StageResult, bool) {
	result, ok := state.StageOutputs[stage]
	return result, ok
}

func (state *PipelineState) MarkProcessing() {
	if state.Status == AnalysisStatusPending {
		state.Status = AnalysisStatusProcessing
	}
}

func (state *PipelineState) MarkCompleted(result *AnalysisResult) {
	if state.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	state.Status = AnalysisStatusCompleted
	state.ProgressPercentage = 100
	state.CurrentStage = ""
	state.FinalResult = result
	state.CompletedAt = &now
}

func (state *PipelineState) MarkFailed(message string) {
	if state.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	state.Status = AnalysisStatusError
	state.ErrorMessage = message
	state.CompletedAt = &now
}

func (state *PipelineState) IsTerminal() bool {
	return state.Status == AnalysisStatusCompleted || state.Status == AnalysisStatusError
}

func (state *PipelineState) IsProcessing() bool {
	return state.Status == AnalysisStatusProcessing
}

// Snapshot copies the fields polling clients are allowed to observe.
func (state *PipelineState) Snapshot() *StatusSnapshot {
	return &StatusSnapshot{
		AnalysisID:         state.AnalysisID,
		Status:             state.Status,
		ProgressPercentage: state.ProgressPercentage,
		CurrentStage:       state.CurrentStage,
		CreatedAt:          state.CreatedAt,
		ErrorMessage:       state.ErrorMessage,
		Result:             state.FinalResult,
	}
}

// StatusSnapshot is what the status store holds per analysis id.
type StatusSnapshot struct {
	AnalysisID         string          `json:"analysis_id"`
	Status             AnalysisStatus  `json:"status"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentStage       string          `json:"current_stage,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	Result             *AnalysisResult `json:"result,omitempty"`
}

func (s *StatusSnapshot) IsActive() bool {
	return s.Status == AnalysisStatusPending || s.Status == AnalysisStatusProcessing
}

type AnalysisResponse struct {
	AnalysisID         string         `json:"analysis_id"`
	Status             AnalysisStatus `json:"status"`
	ProgressPercentage float64        `json:"progress_percentage"`
	CurrentStage       string         `json:"current_stage,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// StageUpdate is published to the event stream after every stage transition.
type StageUpdate struct {
	AnalysisID string         `json:"analysis_id"`
	Stage      string         `json:"stage"`
	Status     AnalysisStatus `json:"status"`
	Message    string         `json:"message"`
	Progress   float64        `json:"progress"`
	Timestamp  time.Time      `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
}
