// SPDX-License-Identifier: Apache-2.0

package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
)

// Evaluator judges how strongly an image satisfies a claim. Confidence is
// expected in [0,1]; label is the evaluator's short name for what it saw.
type Evaluator interface {
	Evaluate(ctx context.Context, mediaURL, claim string) (confidence float64, label string, err error)
}

// Verdict is the combined outcome of the object and style evaluations.
type Verdict struct {
	Composite   float64
	ObjectScore float64
	StyleScore  float64
	Label       string
	Valid       bool
}

type Engine struct {
	evaluator    Evaluator
	logger       *slog.Logger
	threshold    float64
	objectWeight float64
	styleWeight  float64
}

func NewEngine(evaluator Evaluator, cfg config.ScoringConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		evaluator:    evaluator,
		logger:       logger,
		threshold:    cfg.AcceptanceThreshold,
		objectWeight: cfg.ObjectWeight,
		styleWeight:  cfg.StyleWeight,
	}
}

// Score runs both evaluations for one image and combines them into a
// weighted composite clamped to [0,1]. The verdict is valid when the
// composite meets the acceptance threshold. When either evaluation fails the
// whole pass is unavailable; no partial score is produced.
func (e *Engine) Score(ctx context.Context, mediaURL, query string) (Verdict, error) {
	start := time.Now()
	parts := Decompose(query)

	objectScore, objectLabel, err := e.evaluator.Evaluate(ctx, mediaURL, objectClaim(parts))
	if err != nil {
		return Verdict{}, fmt.Errorf("object evaluation: %w: %w", domain.ErrScoringUnavailable, err)
	}

	styleScore, _, err := e.evaluator.Evaluate(ctx, mediaURL, styleClaim(parts))
	if err != nil {
		return Verdict{}, fmt.Errorf("style evaluation: %w: %w", domain.ErrScoringUnavailable, err)
	}

	composite := clamp01(e.objectWeight*objectScore + e.styleWeight*styleScore)

	label := objectLabel
	if label == "" {
		label = parts.Object
	}

	verdict := Verdict{
		Composite:   composite,
		ObjectScore: objectScore,
		StyleScore:  styleScore,
		Label:       label,
		Valid:       composite >= e.threshold,
	}

	metrics.ObserveScoringDuration(time.Since(start))
	e.logger.Debug("scored artifact",
		"media_url", mediaURL,
		"object_score", objectScore,
		"style_score", styleScore,
		"composite", composite,
		"valid", verdict.Valid,
	)
	return verdict, nil
}

func objectClaim(parts QueryParts) string {
	return fmt.Sprintf("depicts %s", parts.Object)
}

func styleClaim(parts QueryParts) string {
	return fmt.Sprintf("matches the %s aesthetic", parts.Style)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
