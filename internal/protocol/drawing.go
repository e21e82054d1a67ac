package protocol

import (
	"math"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
)

// ActionKind tags a DrawingAction variant.
type ActionKind string

const (
	ActionStroke ActionKind = "stroke"
	ActionClear  ActionKind = "clear"
)

// MaxStrokeWidth bounds the width of a single stroke segment.
const MaxStrokeWidth = 200

// DrawingAction is one entry of a canvas history. A stroke is a line segment
// from (X1, Y1) to (X2, Y2); a clear carries no geometry.
type DrawingAction struct {
	Kind    ActionKind `json:"kind"`
	X1      float64    `json:"x1,omitempty"`
	Y1      float64    `json:"y1,omitempty"`
	X2      float64    `json:"x2,omitempty"`
	Y2      float64    `json:"y2,omitempty"`
	Color   string     `json:"color,omitempty"`
	Width   float64    `json:"width,omitempty"`
	Erasing bool       `json:"erasing,omitempty"`
}

// Validate checks the variant and its geometry.
func (a DrawingAction) Validate() error {
	switch a.Kind {
	case ActionClear:
		return nil
	case ActionStroke:
	default:
		return apperr.Validation("unknown drawing action kind %q", a.Kind)
	}
	for _, v := range []float64{a.X1, a.Y1, a.X2, a.Y2, a.Width} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Validation("stroke coordinates must be finite")
		}
	}
	if a.Width <= 0 || a.Width > MaxStrokeWidth {
		return apperr.Validation("stroke width must be in (0, %d]", MaxStrokeWidth)
	}
	if a.Color == "" && !a.Erasing {
		return apperr.Validation("stroke needs a color")
	}
	return nil
}
