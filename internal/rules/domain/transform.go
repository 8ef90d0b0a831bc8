package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TransformOp names a numeric rewrite applied to a value before the threshold.
type TransformOp string

const (
	TransformScale  TransformOp = "scale"
	TransformOffset TransformOp = "offset"
	TransformRound  TransformOp = "round"
	TransformAbs    TransformOp = "abs"
)

// Transform rewrites a sensor value, e.g. raw ADC counts to volts.
type Transform struct {
	Op    TransformOp
	Value float64
}

// CompileTransform validates a raw transform.
func CompileTransform(def TransformDefinition) (Transform, error) {
	t := Transform{Op: TransformOp(strings.ToLower(strings.TrimSpace(def.Op))), Value: def.Value}
	switch t.Op {
	case TransformScale, TransformOffset, TransformAbs:
	case TransformRound:
		if t.Value < 0 || t.Value != math.Trunc(t.Value) {
			return Transform{}, fmt.Errorf("transform: round needs a non-negative integer, got %v", def.Value)
		}
	default:
		return Transform{}, fmt.Errorf("transform: unknown op %q", def.Op)
	}
	return t, nil
}

// Apply returns the rewritten value.
func (t Transform) Apply(value string) (string, error) {
	n, err := parseNumber(value)
	if err != nil {
		return "", err
	}
	switch t.Op {
	case TransformScale:
		n *= t.Value
	case TransformOffset:
		n += t.Value
	case TransformAbs:
		n = math.Abs(n)
	case TransformRound:
		factor := math.Pow(10, t.Value)
		n = math.Round(n*factor) / factor
	default:
		return "", fmt.Errorf("transform: unknown op %q", t.Op)
	}
	return strconv.FormatFloat(n, 'f', -1, 64), nil
}
