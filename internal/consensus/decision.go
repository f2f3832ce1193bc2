// Package consensus turns a set of agent votes into a single collective
// decision and a confidence score.
package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindInt
	KindBool
)

// Decision is a comparable tagged value. Two decisions are equal only when
// both kind and value match, so String("1") and Int(1) are distinct.
type Decision struct {
	kind Kind
	s    string
	i    int64
	b    bool
}

func String(s string) Decision { return Decision{kind: KindString, s: s} }
func Int(i int64) Decision     { return Decision{kind: KindInt, i: i} }
func Bool(b bool) Decision     { return Decision{kind: KindBool, b: b} }

// None is the zero decision returned when no consensus was reached.
var None = Decision{}

func (d Decision) Kind() Kind   { return d.kind }
func (d Decision) IsNone() bool { return d.kind == KindNone }

// Value returns the decision as a plain Go value (nil for None).
func (d Decision) Value() any {
	switch d.kind {
	case KindString:
		return d.s
	case KindInt:
		return d.i
	case KindBool:
		return d.b
	}
	return nil
}

func (d Decision) String() string {
	switch d.kind {
	case KindString:
		return d.s
	case KindInt:
		return strconv.FormatInt(d.i, 10)
	case KindBool:
		return strconv.FormatBool(d.b)
	}
	return "<none>"
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Value())
}

// UnmarshalJSON maps JSON strings, integral numbers, booleans and null onto
// the matching kind. Fractional numbers are rejected.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*d = None
	case string:
		*d = String(x)
	case bool:
		*d = Bool(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return fmt.Errorf("decision %s: not an integer", x)
		}
		*d = Int(i)
	default:
		return fmt.Errorf("unsupported decision value %s", string(data))
	}
	return nil
}

// FromValue converts a plain value into a Decision.
func FromValue(v any) (Decision, error) {
	switch x := v.(type) {
	case nil:
		return None, nil
	case Decision:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		if x != float64(int64(x)) {
			return None, fmt.Errorf("decision %v: not an integer", x)
		}
		return Int(int64(x)), nil
	}
	return None, fmt.Errorf("unsupported decision type %T", v)
}

// Vote is one agent's ballot.
type Vote struct {
	AgentID    string    `json:"agent_id"`
	Decision   Decision  `json:"decision"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
