package services

import (
	"strings"
	"testing"

	"sap-analysis-pipeline/internal/models"
)

func TestExtractStructuredOutputPlainJSON(t *testing.T) {
	content := `Some analysis text.
{"gaps_identified": 3, "high_impact_gaps": 1}`

	structured := extractStructuredOutput(content)
	if structured == nil {
		t.Fatal("Expected structured output")
	}
	if structured["gaps_identified"] != float64(3) {
		t.Errorf("Expected gaps_identified 3, got %v", structured["gaps_identified"])
	}
}

func TestExtractStructuredOutputFencedJSON(t *testing.T) {
	content := "```json\n{\"summary\": \"done\"}\n```"

	structured := extractStructuredOutput(content)
	if structured == nil {
		t.Fatal("Expected structured output")
	}
	if structured["summary"] != "done" {
		t.Errorf("Expected summary done, got %v", structured["summary"])
	}
}

func TestExtractStructuredOutputFreeText(t *testing.T) {
	if structured := extractStructuredOutput("No JSON here at all."); structured != nil {
		t.Errorf("Free text should yield nil, got %v", structured)
	}
}

func TestExtractStructuredOutputMalformedJSON(t *testing.T) {
	if structured := extractStructuredOutput(`{"broken": `); structured != nil {
		t.Errorf("Malformed JSON should yield nil, got %v", structured)
	}
}

func TestBuildStagePromptRouting(t *testing.T) {
	input := map[string]interface{}{
		"sap_module":            "FI",
		"presentation":          "slides",
		"requirements":          "rows",
		"process_analysis":      "processes",
		"requirements_analysis": "mapped",
		"gap_analysis":          "gaps",
		"meeting_transcript":    "transcript",
		"analysis_type":         "gap_analysis",
	}

	cases := []struct {
		stage    models.StageIdentity
		fragment string
	}{
		{models.StageProcessAnalysis, "PRESENTATION"},
		{models.StageRequirementsAnalysis, "REQUIREMENTS"},
		{models.StageGapAnalysis, "gap analysis"},
		{models.StageMeetingAnalysis, "MEETING TRANSCRIPT"},
		{models.StageReportGeneration, "executive summary"},
	}

	for _, tc := range cases {
		prompt, systemRole, err := buildStagePrompt(tc.stage, input)
		if err != nil {
			t.Errorf("Stage %s: unexpected error %v", tc.stage, err)
			continue
		}
		if systemRole == "" {
			t.Errorf("Stage %s: system role should not be empty", tc.stage)
		}
		if !strings.Contains(prompt, tc.fragment) {
			t.Errorf("Stage %s: prompt should contain %q", tc.stage, tc.fragment)
		}
	}
}

func TestBuildStagePromptUnknownStage(t *testing.T) {
	_, _, err := buildStagePrompt(models.StageIdentity("bogus"), nil)
	if err == nil {
		t.Error("Unknown stage should be rejected")
	}
}
