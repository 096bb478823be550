package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/drawlytics/conveyor/internal/stages"
)

// Placeholder collaborators for local runs without the real parsing,
// model and delivery services. Embedding applications inject their own
// implementations through stages.Deps.

// fillDefaultDeps replaces nil collaborators with the placeholders.
func fillDefaultDeps(deps *stages.Deps, log *slog.Logger) {
	if deps.Parser == nil {
		deps.Parser = &EchoParser{}
	}
	if deps.Model == nil {
		deps.Model = &StaticModel{}
	}
	if deps.Renderer == nil {
		deps.Renderer = &PathRenderer{}
	}
	if deps.Notifier == nil {
		deps.Notifier = &LogNotifier{log: log}
	}
}

// EchoParser returns a single-page parse naming the source document.
type EchoParser struct{}

func (p *EchoParser) Parse(ctx context.Context, input stages.DrawingInput) (*stages.ParsedDrawing, error) {
	return &stages.ParsedDrawing{
		Pages:   1,
		RawText: input.DocumentKey,
	}, nil
}

// StaticModel returns an empty, non-measurable analysis.
type StaticModel struct{}

func (m *StaticModel) Analyze(ctx context.Context, parsed *stages.ParsedDrawing) (*stages.Analysis, error) {
	return &stages.Analysis{
		Items:      []stages.TakeoffItem{},
		Measurable: false,
		ModelNotes: "no model client configured",
	}, nil
}

func (m *StaticModel) DetectScale(ctx context.Context, parsed *stages.ParsedDrawing) (*stages.ScaleInfo, error) {
	return &stages.ScaleInfo{Ratio: "unknown", Confidence: 0}, nil
}

// PathRenderer returns a deterministic result location without writing
// anything.
type PathRenderer struct{}

func (r *PathRenderer) Render(ctx context.Context, jobID string, a *stages.Analysis, scale *stages.ScaleInfo) (string, error) {
	return fmt.Sprintf("results/%s.xlsx", jobID), nil
}

// LogNotifier logs completions instead of delivering them.
type LogNotifier struct {
	log *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, tenantKey, jobID, location string) error {
	n.log.Info("Job results ready",
		"tenant", tenantKey,
		"job_id", jobID,
		"location", location)
	return nil
}
