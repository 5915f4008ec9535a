package models

import (
	"fmt"
	"strings"
)

// NodeType tags what a flow node represents.
type NodeType string

const (
	NodeTypeStart   NodeType = "start"
	NodeTypeMessage NodeType = "message"
	NodeTypeMenu    NodeType = "menu"
	NodeTypeInput   NodeType = "input"
	NodeTypeEnd     NodeType = "end"
)

// ConditionType selects how an edge is matched against parsed input.
type ConditionType string

const (
	ConditionAlways   ConditionType = "always"
	ConditionEquals   ConditionType = "equals"
	ConditionNumber   ConditionType = "number"
	ConditionContains ConditionType = "contains"
	ConditionRegex    ConditionType = "regex"
)

// IsValidConditionType checks if the given condition type is supported.
func IsValidConditionType(ct ConditionType) bool {
	switch ct {
	case ConditionAlways, ConditionEquals, ConditionNumber, ConditionContains, ConditionRegex:
		return true
	default:
		return false
	}
}

// Node config keys understood by the engine.
const (
	NodeConfigStateName = "state_name"
	NodeConfigMenuKey   = "menu_key"
	NodeConfigMessage   = "message"
)

// Flow is a tenant-authored graph used when no dynamic menu matches.
type Flow struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"-"`
	Name     string `json:"name" yaml:"name"`
	Active   bool   `json:"active" yaml:"active"`
	Priority int    `json:"priority" yaml:"priority"`
}

// FlowNode is one node of a flow. Config carries state_name/menu_key and message.
type FlowNode struct {
	ID       string                 `json:"id" yaml:"id"`
	FlowID   string                 `json:"flow_id" yaml:"-"`
	NodeType NodeType               `json:"node_type" yaml:"type"`
	Config   map[string]interface{} `json:"config" yaml:"config"`
}

// FlowEdge connects two nodes of the same flow.
type FlowEdge struct {
	ID             string        `json:"id" yaml:"id"`
	FlowID         string        `json:"flow_id" yaml:"-"`
	SourceNodeID   string        `json:"source_node_id" yaml:"source"`
	TargetNodeID   string        `json:"target_node_id" yaml:"target"`
	ConditionType  ConditionType `json:"condition_type" yaml:"condition"`
	ConditionValue string        `json:"condition_value,omitempty" yaml:"value,omitempty"`
	Priority       int           `json:"priority" yaml:"priority"`
}

// FlowGraph bundles a flow with its nodes and edges, as authored.
type FlowGraph struct {
	Flow  `yaml:",inline"`
	Nodes []FlowNode `json:"nodes" yaml:"nodes"`
	Edges []FlowEdge `json:"edges" yaml:"edges"`
}

// Validate checks ids, edge endpoints and condition types.
func (g *FlowGraph) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return ErrEmptyFlowID
	}
	nodes := make(map[string]bool, len(g.Nodes))
	hasStart := false
	for _, n := range g.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("flow %s: %w", g.ID, ErrEmptyNodeID)
		}
		nodes[n.ID] = true
		if n.NodeType == NodeTypeStart {
			hasStart = true
		}
	}
	if !hasStart {
		return fmt.Errorf("flow %s: %w", g.ID, ErrMissingEntryNode)
	}
	for _, e := range g.Edges {
		if !nodes[e.SourceNodeID] || !nodes[e.TargetNodeID] {
			return fmt.Errorf("flow %s edge %s: %w", g.ID, e.ID, ErrUnknownEdgeNode)
		}
		if !IsValidConditionType(e.ConditionType) {
			return fmt.Errorf("flow %s edge %s: %w: %q", g.ID, e.ID, ErrInvalidCondition, e.ConditionType)
		}
	}
	return nil
}
