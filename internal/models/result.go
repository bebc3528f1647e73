package models

import "time"

// ProcessAnalysis describes one business process found in the presentation.
type ProcessAnalysis struct {
	ProcessName        string   `json:"process_name"`
	ProcessDescription string   `json:"process_description"`
	PageNumber         int      `json:"page_number"`
	ProcessFlow        string   `json:"process_flow"`
	KeySteps           []string `json:"key_steps"`
	BusinessRules      []string `json:"business_rules"`
	IntegrationPoints  []string `json:"integration_points"`
	PotentialGaps      []string `json:"potential_gaps"`
}

// RequirementAnalysis is the per-requirement verdict produced by the
// requirements and gap stages.
type RequirementAnalysis struct {
	RequirementID          string         `json:"requirement_id"`
	RequirementDescription string         `json:"requirement_description"`
	CoreProcessAnalysis    string         `json:"core_process_analysis"`
	CoreProcessPageNumbers []int          `json:"core_process_page_numbers"`
	CoreProcessExplanation string         `json:"core_process_explanation"`
	IsGap                  bool           `json:"is_gap"`
	GapReason              string         `json:"gap_reason,omitempty"`
	GapJustification       string         `json:"gap_justification,omitempty"`
	TranscriptReference    string         `json:"transcript_reference,omitempty"`
	TranscriptPageNumbers  []int          `json:"transcript_page_numbers"`
	BusinessImpact         BusinessImpact `json:"business_impact"`
	FinalConclusion        string         `json:"final_conclusion"`
}

// AnalysisResult is the final artifact of a completed run. Built once by the
// aggregator, then persisted and never mutated.
type AnalysisResult struct {
	AnalysisID            string                `json:"analysis_id"`
	PresentationAnalysis  []ProcessAnalysis     `json:"presentation_analysis"`
	RequirementsAnalysis  []RequirementAnalysis `json:"requirements_analysis"`
	OverallSummary        string                `json:"overall_summary"`
	TotalRequirements     int                   `json:"total_requirements"`
	GapsIdentified        int                   `json:"gaps_identified"`
	HighImpactGaps        int                   `json:"high_impact_gaps"`
	Recommendations       []string              `json:"recommendations"`
	NextSteps             []string              `json:"next_steps"`
	CreatedAt             time.Time             `json:"created_at"`
	ProcessingTimeSeconds float64               `json:"processing_time_seconds"`
}

// ParsedRequirements is what the requirements file parser returns: one row
// map per requirement plus the detected semantic-field to column mapping.
type ParsedRequirements struct {
	Requirements []map[string]string `json:"requirements"`
	Schema       map[string]string   `json:"detected_schema"`
	TotalRows    int                 `json:"total_rows"`
	Columns      []string            `json:"columns"`
}
