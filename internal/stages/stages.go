// Package stages defines the fixed drawing-analysis stage sequence.
//
// Stage content lives behind the collaborator interfaces; implementations
// must return errors wrapped as domain transient or permanent so the
// retry coordinator can classify them.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/pipeline"
)

// Stage names, in pipeline order.
const (
	StageExtract = "extract"
	StageAnalyze = "analyze"
	StageScale   = "scale_detect"
	StageRender  = "render"
	StageNotify  = "notify"
)

// InputKey is the stage_inputs entry carrying the drawing reference.
const InputKey = "drawing"

// DrawingInput references the uploaded document to analyze.
type DrawingInput struct {
	DocumentKey string `json:"document_key"`
	ContentType string `json:"content_type,omitempty"`
}

// ParsedDrawing is the extract stage's output.
type ParsedDrawing struct {
	Pages    int      `json:"pages"`
	Sheets   []string `json:"sheets,omitempty"`
	RawText  string   `json:"raw_text,omitempty"`
	ImageKey string   `json:"image_key,omitempty"`
}

// TakeoffItem is one quantified element the model found.
type TakeoffItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

// Analysis is the analyze stage's output.
type Analysis struct {
	Items []TakeoffItem `json:"items"`
	// Measurable reports whether the drawing carries dimensions worth
	// a scale-detection pass.
	Measurable bool   `json:"measurable"`
	ModelNotes string `json:"model_notes,omitempty"`
}

// ScaleInfo is the scale_detect stage's output.
type ScaleInfo struct {
	Ratio      string  `json:"ratio"`
	Confidence float64 `json:"confidence"`
}

// RenderResult is the render stage's output.
type RenderResult struct {
	Location string `json:"location"`
}

// Parser extracts structured content from an uploaded drawing.
type Parser interface {
	Parse(ctx context.Context, input DrawingInput) (*ParsedDrawing, error)
}

// ModelClient prompts the AI model and parses its responses.
type ModelClient interface {
	Analyze(ctx context.Context, parsed *ParsedDrawing) (*Analysis, error)
	DetectScale(ctx context.Context, parsed *ParsedDrawing) (*ScaleInfo, error)
}

// Renderer writes the takeoff spreadsheet and returns its location.
type Renderer interface {
	Render(ctx context.Context, jobID string, a *Analysis, scale *ScaleInfo) (string, error)
}

// Notifier announces finished results to the tenant. Best-effort.
type Notifier interface {
	Notify(ctx context.Context, tenantKey, jobID, location string) error
}

// Deps bundles the external collaborators the pipeline needs.
type Deps struct {
	Parser   Parser
	Model    ModelClient
	Renderer Renderer
	Notifier Notifier
}

// Pipeline assembles the fixed stage sequence.
func Pipeline(deps Deps) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name:     StageExtract,
			Required: true,
			Weight:   20,
			Run:      extractStage(deps.Parser),
		},
		{
			Name:      StageAnalyze,
			Required:  true,
			Retryable: true,
			Weight:    40,
			Run:       analyzeStage(deps.Model),
		},
		{
			Name:         StageScale,
			Required:     false,
			Retryable:    true,
			Weight:       10,
			Precondition: scalePrecondition,
			Run:          scaleStage(deps.Model),
		},
		{
			Name:     StageRender,
			Required: true,
			Weight:   25,
			Run:      renderStage(deps.Renderer),
		},
		{
			Name:     StageNotify,
			Required: false,
			Weight:   5,
			Run:      notifyStage(deps.Notifier),
		},
	}
}

func extractStage(parser Parser) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
		raw, ok := sc.Inputs[InputKey]
		if !ok {
			return nil, domain.NewPermanent(errors.New("message carries no drawing input"))
		}
		var input DrawingInput
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, domain.NewPermanent(fmt.Errorf("invalid drawing input: %w", err))
		}
		parsed, err := parser.Parse(ctx, input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(parsed)
	}
}

func analyzeStage(model ModelClient) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
		parsed, err := resultAs[ParsedDrawing](sc, StageExtract)
		if err != nil {
			return nil, err
		}
		analysis, err := model.Analyze(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(analysis)
	}
}

func scalePrecondition(sc *pipeline.StageContext) bool {
	analysis, err := resultAs[Analysis](sc, StageAnalyze)
	return err == nil && analysis.Measurable
}

func scaleStage(model ModelClient) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
		parsed, err := resultAs[ParsedDrawing](sc, StageExtract)
		if err != nil {
			return nil, err
		}
		scale, err := model.DetectScale(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(scale)
	}
}

func renderStage(renderer Renderer) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
		analysis, err := resultAs[Analysis](sc, StageAnalyze)
		if err != nil {
			return nil, err
		}
		// Scale is best-effort; render without it when absent.
		var scale *ScaleInfo
		if s, err := resultAs[ScaleInfo](sc, StageScale); err == nil {
			scale = s
		}
		location, err := renderer.Render(ctx, sc.JobID, analysis, scale)
		if err != nil {
			return nil, err
		}
		return json.Marshal(RenderResult{Location: location})
	}
}

func notifyStage(notifier Notifier) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
		rendered, err := resultAs[RenderResult](sc, StageRender)
		if err != nil {
			return nil, err
		}
		if err := notifier.Notify(ctx, sc.TenantKey, sc.JobID, rendered.Location); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// resultAs unmarshals an earlier stage's checkpointed output.
func resultAs[T any](sc *pipeline.StageContext, stage string) (*T, error) {
	raw, ok := sc.Result(stage)
	if !ok {
		return nil, domain.NewPermanent(fmt.Errorf("missing %s result", stage))
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, domain.NewPermanent(fmt.Errorf("corrupt %s checkpoint: %w", stage, err))
	}
	return &v, nil
}
