package engine

import (
	"github.com/c360studio/lexstream/message"
)

// Default extraction step ids.
const (
	StepAnalysis         = "analysis"
	StepOrchestration    = "orchestration"
	StepHTMLExtraction   = "html_extraction"
	StepPDFAnalysis      = "pdf_analysis"
	StepVisionProcessing = "vision_processing"
	StepValidation       = "validation"
)

// DefaultMaxStepRetries is the retry budget per step.
const DefaultMaxStepRetries = 3

// buildExtractionSteps instantiates the default extraction DAG:
//
//	analysis → orchestration → html_extraction   → validation
//	                         → pdf_analysis      ↗
//	                         → vision_processing ↗
//
// pdf_analysis is present iff include_pdfs, vision_processing iff
// include_images. Validation's prerequisites are exactly the extractors
// actually present.
func buildExtractionSteps(url string, cfg JobConfig) []*Step {
	mk := func(id, role string, prereqs []string, input map[string]any) *Step {
		if input == nil {
			input = make(map[string]any)
		}
		input["url"] = url
		return &Step{
			ID:            id,
			Role:          role,
			Prerequisites: prereqs,
			Input:         input,
			Status:        StatusPending,
			MaxRetries:    DefaultMaxStepRetries,
		}
	}

	steps := []*Step{
		mk(StepAnalysis, message.RoleAnalysis, nil, map[string]any{
			"analysis_depth": cfg.AnalysisDepth,
		}),
		mk(StepOrchestration, message.RoleOrchestrator, []string{StepAnalysis}, nil),
		mk(StepHTMLExtraction, message.RoleHTMLExtractor, []string{StepOrchestration}, nil),
	}

	extractors := []string{StepHTMLExtraction}

	if cfg.PDFs() {
		steps = append(steps, mk(StepPDFAnalysis, message.RolePDFAnalyzer, []string{StepOrchestration}, map[string]any{
			"ocr_enabled": cfg.OCR(),
		}))
		extractors = append(extractors, StepPDFAnalysis)
	}
	if cfg.IncludeImages {
		steps = append(steps, mk(StepVisionProcessing, message.RoleVisionProcessor, []string{StepOrchestration}, map[string]any{
			"image_analysis_depth": cfg.ImageAnalysisDepth,
		}))
		extractors = append(extractors, StepVisionProcessing)
	}

	steps = append(steps, mk(StepValidation, message.RoleValidator, extractors, map[string]any{
		"validation_level": cfg.ValidationLevel,
	}))
	return steps
}
