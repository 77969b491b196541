package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesEventType(t *testing.T) {
	tests := []struct {
		name, pattern, eventType string
		want                     bool
	}{
		{"exact match", "users.created", "users.created", true},
		{"single wildcard segment", "users.*", "users.created", true},
		{"single wildcard does not cross dots", "users.*", "users.profile.updated", false},
		{"double wildcard matches one segment", "users.**", "users.created", true},
		{"double wildcard matches many segments", "users.**", "users.profile.updated", true},
		{"double wildcard requires at least one segment", "users.**", "users", false},
		{"category mismatch", "users.created", "orders.created", false},
		{"empty pattern never matches", "", "users.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesEventType(tt.pattern, tt.eventType))
		})
	}
}

func TestFilterNode_Validate(t *testing.T) {
	t.Run("nil node is valid", func(t *testing.T) {
		var n *FilterNode
		assert.NoError(t, n.Validate())
	})

	t.Run("and branch requires children", func(t *testing.T) {
		n := &FilterNode{Kind: "branch", Branch: &FilterBranch{Operator: "and"}}
		require.Error(t, n.Validate())
	})

	t.Run("not branch requires exactly one child", func(t *testing.T) {
		n := &FilterNode{Kind: "branch", Branch: &FilterBranch{
			Operator: "not",
			Children: []*FilterNode{leafNode("payload.amount", "eq", 1), leafNode("payload.amount", "eq", 2)},
		}}
		require.Error(t, n.Validate())
	})

	t.Run("leaf requires field path", func(t *testing.T) {
		n := &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{Operator: "eq", Values: []interface{}{1}}}
		require.Error(t, n.Validate())
	})

	t.Run("leaf rejects unknown operator", func(t *testing.T) {
		n := leafNode("payload.amount", "between", 1)
		require.Error(t, n.Validate())
	})

	t.Run("exists leaf needs no values", func(t *testing.T) {
		n := &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{FieldPath: "payload.amount", Operator: "exists"}}
		assert.NoError(t, n.Validate())
	})

	t.Run("valid nested tree", func(t *testing.T) {
		n := &FilterNode{Kind: "branch", Branch: &FilterBranch{
			Operator: "and",
			Children: []*FilterNode{leafNode("payload.amount", "gt", 100), leafNode("metadata.actor", "eq", "svc")},
		}}
		assert.NoError(t, n.Validate())
	})
}

func leafNode(field, op string, value interface{}) *FilterNode {
	return &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{FieldPath: field, Operator: op, Values: []interface{}{value}}}
}

func TestFilterNode_Evaluate(t *testing.T) {
	payload := map[string]interface{}{"amount": float64(150), "currency": "usd"}
	metadata := map[string]interface{}{"actor": "svc-billing"}

	t.Run("nil tree matches everything", func(t *testing.T) {
		var n *FilterNode
		assert.True(t, n.Evaluate(payload, metadata))
	})

	t.Run("eq leaf on payload field", func(t *testing.T) {
		assert.True(t, leafNode("payload.currency", "eq", "usd").Evaluate(payload, metadata))
		assert.False(t, leafNode("payload.currency", "eq", "eur").Evaluate(payload, metadata))
	})

	t.Run("numeric comparison", func(t *testing.T) {
		assert.True(t, leafNode("payload.amount", "gt", 100).Evaluate(payload, metadata))
		assert.False(t, leafNode("payload.amount", "lt", 100).Evaluate(payload, metadata))
	})

	t.Run("metadata field path", func(t *testing.T) {
		assert.True(t, leafNode("metadata.actor", "eq", "svc-billing").Evaluate(payload, metadata))
	})

	t.Run("missing field fails comparison but satisfies exists=false", func(t *testing.T) {
		missing := &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{FieldPath: "payload.missing", Operator: "exists", Values: []interface{}{false}}}
		assert.True(t, missing.Evaluate(payload, metadata))
		assert.False(t, leafNode("payload.missing", "eq", 1).Evaluate(payload, metadata))
	})

	t.Run("and/or/not branches", func(t *testing.T) {
		and := &FilterNode{Kind: "branch", Branch: &FilterBranch{
			Operator: "and",
			Children: []*FilterNode{leafNode("payload.amount", "gt", 100), leafNode("metadata.actor", "eq", "svc-billing")},
		}}
		assert.True(t, and.Evaluate(payload, metadata))

		or := &FilterNode{Kind: "branch", Branch: &FilterBranch{
			Operator: "or",
			Children: []*FilterNode{leafNode("payload.amount", "lt", 100), leafNode("metadata.actor", "eq", "svc-billing")},
		}}
		assert.True(t, or.Evaluate(payload, metadata))

		not := &FilterNode{Kind: "branch", Branch: &FilterBranch{
			Operator: "not",
			Children: []*FilterNode{leafNode("payload.amount", "lt", 100)},
		}}
		assert.True(t, not.Evaluate(payload, metadata))
	})

	t.Run("in/not_in", func(t *testing.T) {
		in := &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{FieldPath: "payload.currency", Operator: "in", Values: []interface{}{"eur", "usd"}}}
		assert.True(t, in.Evaluate(payload, metadata))

		notIn := &FilterNode{Kind: "leaf", Leaf: &FilterLeaf{FieldPath: "payload.currency", Operator: "not_in", Values: []interface{}{"eur", "gbp"}}}
		assert.True(t, notIn.Evaluate(payload, metadata))
	})
}
