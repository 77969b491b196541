package domain

import (
	"fmt"
	"strings"
)

// Subscription is the denormalized rule the matcher evaluates against an
// incoming event (§3).
type Subscription struct {
	SubscriptionID   string     `json:"subscription_id"`
	EndpointID       string     `json:"endpoint_id"`
	EventPattern     string     `json:"event_pattern"`
	FilterExpression *FilterNode `json:"filter_expression,omitempty"`
	Priority         int        `json:"priority"`
	IsActive         bool       `json:"is_active"`
}

// MatchesEventType applies the glob rules from §4.5: "*" matches exactly
// one dotted segment, "**" matches one or more trailing segments.
func MatchesEventType(pattern, eventType string) bool {
	if pattern == "" {
		return false
	}
	patternSegs := strings.Split(pattern, ".")
	eventSegs := strings.Split(eventType, ".")
	return matchSegments(patternSegs, eventSegs)
}

func matchSegments(pattern, event []string) bool {
	if len(pattern) == 0 {
		return len(event) == 0
	}

	head := pattern[0]

	if head == "**" {
		if len(pattern) == 1 {
			// "**" must still match at least one segment.
			return len(event) >= 1
		}
		// Try consuming 1..len(event) segments for "**", then match the rest.
		for consumed := 1; consumed <= len(event); consumed++ {
			if matchSegments(pattern[1:], event[consumed:]) {
				return true
			}
		}
		return false
	}

	if len(event) == 0 {
		return false
	}

	if head == "*" || head == event[0] {
		return matchSegments(pattern[1:], event[1:])
	}

	return false
}

// FilterNode mirrors the branch/leaf predicate-tree shape (§4.5): a
// branch combines children with and/or/not; a leaf compares a dotted
// field path (against event.payload or event.metadata) using one of
// eq, ne, in, not_in, exists, gt, ge, lt, le.
type FilterNode struct {
	Kind   string          `json:"kind"` // "branch" or "leaf"
	Branch *FilterBranch   `json:"branch,omitempty"`
	Leaf   *FilterLeaf     `json:"leaf,omitempty"`
}

// FilterBranch combines child nodes with a logical operator.
type FilterBranch struct {
	Operator string        `json:"operator"` // "and", "or", "not"
	Children []*FilterNode `json:"children"`
}

// FilterLeaf compares a single field against one or more values.
// FieldPath is dotted, e.g. "metadata.actor" or "payload.amount"; the
// first segment selects between the event's payload and metadata maps.
type FilterLeaf struct {
	FieldPath string        `json:"field_path"`
	Operator  string        `json:"operator"`
	Values    []interface{} `json:"values,omitempty"`
}

var validLeafOperators = map[string]bool{
	"eq": true, "ne": true, "in": true, "not_in": true,
	"exists": true, "gt": true, "ge": true, "lt": true, "le": true,
}

// Validate checks the tree's shape before it is persisted.
func (n *FilterNode) Validate() error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case "branch":
		if n.Branch == nil {
			return &ErrInvalidInput{Field: "filter_expression", Reason: "branch node missing branch"}
		}
		switch n.Branch.Operator {
		case "and", "or":
			if len(n.Branch.Children) == 0 {
				return &ErrInvalidInput{Field: "filter_expression", Reason: "and/or branch needs at least one child"}
			}
		case "not":
			if len(n.Branch.Children) != 1 {
				return &ErrInvalidInput{Field: "filter_expression", Reason: "not branch needs exactly one child"}
			}
		default:
			return &ErrInvalidInput{Field: "filter_expression", Reason: fmt.Sprintf("invalid branch operator %q", n.Branch.Operator)}
		}
		for _, child := range n.Branch.Children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	case "leaf":
		if n.Leaf == nil {
			return &ErrInvalidInput{Field: "filter_expression", Reason: "leaf node missing leaf"}
		}
		if n.Leaf.FieldPath == "" {
			return &ErrInvalidInput{Field: "filter_expression", Reason: "leaf missing field_path"}
		}
		if !validLeafOperators[n.Leaf.Operator] {
			return &ErrInvalidInput{Field: "filter_expression", Reason: fmt.Sprintf("invalid leaf operator %q", n.Leaf.Operator)}
		}
		if n.Leaf.Operator != "exists" && len(n.Leaf.Values) == 0 {
			return &ErrInvalidInput{Field: "filter_expression", Reason: fmt.Sprintf("operator %q requires values", n.Leaf.Operator)}
		}
	default:
		return &ErrInvalidInput{Field: "filter_expression", Reason: fmt.Sprintf("invalid node kind %q", n.Kind)}
	}
	return nil
}

// Evaluate applies the predicate tree against an event's payload and
// metadata. A nil tree matches everything (no filter configured).
func (n *FilterNode) Evaluate(payload map[string]interface{}, metadata map[string]interface{}) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case "branch":
		return n.Branch.evaluate(payload, metadata)
	case "leaf":
		return n.Leaf.evaluate(payload, metadata)
	default:
		return false
	}
}

func (b *FilterBranch) evaluate(payload, metadata map[string]interface{}) bool {
	switch b.Operator {
	case "and":
		for _, child := range b.Children {
			if !child.Evaluate(payload, metadata) {
				return false
			}
		}
		return true
	case "or":
		for _, child := range b.Children {
			if child.Evaluate(payload, metadata) {
				return true
			}
		}
		return false
	case "not":
		return !b.Children[0].Evaluate(payload, metadata)
	default:
		return false
	}
}

func (l *FilterLeaf) evaluate(payload, metadata map[string]interface{}) bool {
	value, found := lookupFieldPath(l.FieldPath, payload, metadata)

	if l.Operator == "exists" {
		want := true
		if len(l.Values) == 1 {
			if b, ok := l.Values[0].(bool); ok {
				want = b
			}
		}
		return found == want
	}

	// Missing fields evaluate to false for comparison operators (§4.5).
	if !found {
		return false
	}

	switch l.Operator {
	case "eq":
		return len(l.Values) > 0 && looseEqual(value, l.Values[0])
	case "ne":
		return len(l.Values) > 0 && !looseEqual(value, l.Values[0])
	case "in":
		for _, v := range l.Values {
			if looseEqual(value, v) {
				return true
			}
		}
		return false
	case "not_in":
		for _, v := range l.Values {
			if looseEqual(value, v) {
				return false
			}
		}
		return true
	case "gt", "ge", "lt", "le":
		if len(l.Values) == 0 {
			return false
		}
		return compareNumeric(value, l.Values[0], l.Operator)
	default:
		return false
	}
}

// lookupFieldPath resolves a dotted path like "payload.amount" or
// "metadata.actor" against the event's two top-level maps.
func lookupFieldPath(path string, payload, metadata map[string]interface{}) (interface{}, bool) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return nil, false
	}

	var root map[string]interface{}
	switch segs[0] {
	case "payload", "data":
		root = payload
	case "metadata":
		root = metadata
	default:
		// Unscoped paths default to payload for ergonomics.
		root = payload
		segs = append([]string{""}, segs...)
	}

	cur := interface{}(root)
	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func looseEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b interface{}, op string) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case "gt":
		return af > bf
	case "ge":
		return af >= bf
	case "lt":
		return af < bf
	case "le":
		return af <= bf
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
