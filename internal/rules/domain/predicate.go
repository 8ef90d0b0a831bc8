package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator names a comparison applied to a sensor value.
type Operator string

const (
	OpTrue     Operator = "true"
	OpFalse    Operator = "false"
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpBetween  Operator = "between"
	OpOutside  Operator = "outside"
	OpContains Operator = "contains"
	OpChanged  Operator = "changed"
	OpRising   Operator = "rising"
	OpFalling  Operator = "falling"
)

// Aggregate reduces a window of values before the operator is applied.
type Aggregate string

const (
	AggNone  Aggregate = ""
	AggLast  Aggregate = "last"
	AggFirst Aggregate = "first"
	AggMin   Aggregate = "min"
	AggMax   Aggregate = "max"
	AggAvg   Aggregate = "avg"
	AggSum   Aggregate = "sum"
	AggCount Aggregate = "count"
	AggAll   Aggregate = "all"
	AggAny   Aggregate = "any"
)

// ErrNotNumeric is returned when a numeric operator receives a non-numeric value.
var ErrNotNumeric = errors.New("rules: value is not numeric")

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OpTrue, OpFalse, OpEq, OpNe, OpGt, OpGte, OpLt, OpLte,
		OpBetween, OpOutside, OpContains, OpChanged, OpRising, OpFalling:
		return true
	default:
		return false
	}
}

// NeedsHistory reports whether the operator compares against a previous value.
func (o Operator) NeedsHistory() bool {
	return o == OpChanged || o == OpRising || o == OpFalling
}

func (o Operator) numeric() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte, OpBetween, OpOutside:
		return true
	default:
		return false
	}
}

// Valid returns true when aggregate is supported.
func (a Aggregate) Valid() bool {
	switch a {
	case AggNone, AggLast, AggFirst, AggMin, AggMax, AggAvg, AggSum, AggCount, AggAll, AggAny:
		return true
	default:
		return false
	}
}

// Predicate is a compiled, side-effect free check over a value or a window of values.
type Predicate struct {
	Op        Operator
	Value     string
	Min       float64
	Max       float64
	Aggregate Aggregate

	number   float64
	isNumber bool
}

// Always is the predicate used when a rule has no threshold.
var Always = Predicate{Op: OpTrue}

// CompilePredicate validates a raw predicate and parses its comparands.
func CompilePredicate(def PredicateDefinition) (Predicate, error) {
	p := Predicate{
		Op:        Operator(strings.ToLower(strings.TrimSpace(def.Op))),
		Value:     def.Value,
		Aggregate: Aggregate(strings.ToLower(strings.TrimSpace(def.Aggregate))),
	}
	if p.Op == "" {
		return Predicate{}, errors.New("predicate: empty op")
	}
	if !p.Op.Valid() {
		return Predicate{}, fmt.Errorf("predicate: unknown op %q", def.Op)
	}
	if !p.Aggregate.Valid() {
		return Predicate{}, fmt.Errorf("predicate: unknown aggregate %q", def.Aggregate)
	}
	if p.Op.NeedsHistory() && p.Aggregate != AggNone {
		return Predicate{}, fmt.Errorf("predicate: op %s does not take an aggregate", p.Op)
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(def.Value), 64); err == nil {
		p.number = n
		p.isNumber = true
	}

	switch p.Op {
	case OpGt, OpGte, OpLt, OpLte:
		if !p.isNumber {
			return Predicate{}, fmt.Errorf("predicate: op %s needs a numeric value, got %q", p.Op, def.Value)
		}
	case OpBetween, OpOutside:
		if def.Min == nil || def.Max == nil {
			return Predicate{}, fmt.Errorf("predicate: op %s needs min and max", p.Op)
		}
		if *def.Min > *def.Max {
			return Predicate{}, fmt.Errorf("predicate: min %v greater than max %v", *def.Min, *def.Max)
		}
		p.Min, p.Max = *def.Min, *def.Max
	case OpContains:
		if def.Value == "" {
			return Predicate{}, errors.New("predicate: contains needs a value")
		}
	case OpEq, OpNe:
		if p.Aggregate.reduces() && !p.isNumber {
			return Predicate{}, fmt.Errorf("predicate: aggregate %s needs a numeric value", p.Aggregate)
		}
	}
	if p.Aggregate.reduces() && p.Op == OpContains {
		return Predicate{}, fmt.Errorf("predicate: aggregate %s cannot be combined with contains", p.Aggregate)
	}
	return p, nil
}

// Match evaluates the predicate against a single value. History operators
// and aggregates over a single value behave as over a window of one.
func (p Predicate) Match(value string) (bool, error) {
	if p.Aggregate != AggNone {
		return p.MatchWindow([]string{value})
	}
	if p.Op.NeedsHistory() {
		return false, nil
	}
	return p.compare(value)
}

// MatchHistory evaluates the predicate against the current value and the
// previous values for the same rule and board, oldest first.
func (p Predicate) MatchHistory(value string, history []string) (bool, error) {
	if p.Aggregate != AggNone {
		window := make([]string, 0, len(history)+1)
		window = append(window, history...)
		window = append(window, value)
		return p.MatchWindow(window)
	}
	if !p.Op.NeedsHistory() {
		return p.compare(value)
	}
	if len(history) == 0 {
		return false, nil
	}
	return p.trend(history[len(history)-1], value)
}

// MatchWindow evaluates the predicate over a window of values, oldest first.
// An empty window never matches.
func (p Predicate) MatchWindow(values []string) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if p.Op.NeedsHistory() {
		if len(values) < 2 {
			return false, nil
		}
		return p.trend(values[len(values)-2], values[len(values)-1])
	}

	switch p.Aggregate {
	case AggNone, AggAll:
		for _, v := range values {
			ok, err := p.compare(v)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case AggAny:
		var firstErr error
		for _, v := range values {
			ok, err := p.compare(v)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr
	case AggCount:
		return p.compareNumber(float64(len(values))), nil
	}

	numbers, err := parseNumbers(values)
	if err != nil {
		return false, err
	}
	var reduced float64
	switch p.Aggregate {
	case AggLast:
		reduced = numbers[len(numbers)-1]
	case AggFirst:
		reduced = numbers[0]
	case AggMin:
		reduced = numbers[0]
		for _, n := range numbers[1:] {
			reduced = math.Min(reduced, n)
		}
	case AggMax:
		reduced = numbers[0]
		for _, n := range numbers[1:] {
			reduced = math.Max(reduced, n)
		}
	case AggSum, AggAvg:
		for _, n := range numbers {
			reduced += n
		}
		if p.Aggregate == AggAvg {
			reduced /= float64(len(numbers))
		}
	}
	return p.compareNumber(reduced), nil
}

func (a Aggregate) reduces() bool {
	switch a {
	case AggLast, AggFirst, AggMin, AggMax, AggAvg, AggSum, AggCount:
		return true
	default:
		return false
	}
}

func (p Predicate) compare(value string) (bool, error) {
	switch p.Op {
	case OpTrue:
		return true, nil
	case OpFalse:
		return false, nil
	case OpContains:
		return strings.Contains(value, p.Value), nil
	case OpEq, OpNe:
		equal := value == p.Value
		if p.isNumber {
			if n, err := parseNumber(value); err == nil {
				equal = n == p.number
			}
		}
		if p.Op == OpNe {
			return !equal, nil
		}
		return equal, nil
	}
	if p.Op.numeric() {
		n, err := parseNumber(value)
		if err != nil {
			return false, err
		}
		return p.compareNumber(n), nil
	}
	return false, nil
}

func (p Predicate) compareNumber(n float64) bool {
	switch p.Op {
	case OpTrue:
		return true
	case OpEq:
		return n == p.number
	case OpNe:
		return n != p.number
	case OpGt:
		return n > p.number
	case OpGte:
		return n >= p.number
	case OpLt:
		return n < p.number
	case OpLte:
		return n <= p.number
	case OpBetween:
		return n >= p.Min && n <= p.Max
	case OpOutside:
		return n < p.Min || n > p.Max
	default:
		return false
	}
}

func (p Predicate) trend(previous, current string) (bool, error) {
	if p.Op == OpChanged {
		prev, perr := parseNumber(previous)
		cur, cerr := parseNumber(current)
		if perr == nil && cerr == nil {
			return prev != cur, nil
		}
		return previous != current, nil
	}
	prev, err := parseNumber(previous)
	if err != nil {
		return false, err
	}
	cur, err := parseNumber(current)
	if err != nil {
		return false, err
	}
	if p.Op == OpRising {
		return cur > prev, nil
	}
	return cur < prev, nil
}

func parseNumber(value string) (float64, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, value)
	}
	return n, nil
}

func parseNumbers(values []string) ([]float64, error) {
	numbers := make([]float64, 0, len(values))
	for _, v := range values {
		n, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}
