package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

// FlowResult is the outcome of one flow graph step.
type FlowResult struct {
	FlowID      string
	NodeID      string
	NewState    string
	Message     string
	PushToStack bool
}

// nodeConfig is the part of a node's config map the engine reads.
type nodeConfig struct {
	StateName string `mapstructure:"state_name"`
	MenuKey   string `mapstructure:"menu_key"`
	Message   string `mapstructure:"message"`
}

func decodeNodeConfig(node models.FlowNode) nodeConfig {
	var cfg nodeConfig
	if len(node.Config) == 0 {
		return cfg
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg
	}
	if err := dec.Decode(node.Config); err != nil {
		slog.Warn("FlowResolver: undecodable node config", "node", node.ID, "error", err)
	}
	return cfg
}

// stateName is the session state a node represents.
func (c nodeConfig) stateName(nodeID string) string {
	if c.StateName != "" {
		return c.StateName
	}
	if c.MenuKey != "" {
		return c.MenuKey
	}
	return nodeID
}

// FlowResolver walks tenant flow graphs.
type FlowResolver struct {
	repo store.FlowRepo
}

// NewFlowResolver creates a FlowResolver.
func NewFlowResolver(repo store.FlowRepo) *FlowResolver {
	return &FlowResolver{repo: repo}
}

// activeGraph loads the highest-priority active flow with its nodes and edges.
// It returns nil when the tenant has no active flow.
func (r *FlowResolver) activeGraph(ctx context.Context, tenantID string) (*models.FlowGraph, error) {
	flows, err := r.repo.GetActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load active flows: %w", err)
	}
	if len(flows) == 0 {
		return nil, nil
	}
	flow := flows[0]
	nodes, err := r.repo.GetFlowNodes(ctx, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("load nodes of flow %s: %w", flow.ID, err)
	}
	edges, err := r.repo.GetFlowEdges(ctx, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("load edges of flow %s: %w", flow.ID, err)
	}
	return &models.FlowGraph{Flow: flow, Nodes: nodes, Edges: edges}, nil
}

// findNode locates the node for state. START maps to the flow's start node.
func findNode(g *models.FlowGraph, state string) (*models.FlowNode, nodeConfig, bool) {
	if state == models.StateStart {
		for i := range g.Nodes {
			if g.Nodes[i].NodeType == models.NodeTypeStart {
				return &g.Nodes[i], decodeNodeConfig(g.Nodes[i]), true
			}
		}
	}
	for i := range g.Nodes {
		cfg := decodeNodeConfig(g.Nodes[i])
		if cfg.stateName(g.Nodes[i].ID) == state {
			return &g.Nodes[i], cfg, true
		}
	}
	return nil, nodeConfig{}, false
}

// ResolveFlow evaluates the outgoing edges of the node for currentState and
// returns the first satisfied edge's target. It returns nil when there is no
// active flow, no node for currentState, or no satisfied edge.
func (r *FlowResolver) ResolveFlow(ctx context.Context, tenantID, currentState string, p ParsedInput) (*FlowResult, error) {
	g, err := r.activeGraph(ctx, tenantID)
	if err != nil || g == nil {
		return nil, err
	}
	node, _, ok := findNode(g, currentState)
	if !ok {
		slog.Debug("FlowResolver.ResolveFlow: no node for state", "tenant", tenantID, "flow", g.ID, "state", currentState)
		return nil, nil
	}

	var out []models.FlowEdge
	for _, e := range g.Edges {
		if e.SourceNodeID == node.ID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })

	for _, e := range out {
		if !edgeMatches(e, p) {
			continue
		}
		for i := range g.Nodes {
			if g.Nodes[i].ID != e.TargetNodeID {
				continue
			}
			cfg := decodeNodeConfig(g.Nodes[i])
			res := &FlowResult{
				FlowID:      g.ID,
				NodeID:      g.Nodes[i].ID,
				NewState:    cfg.stateName(g.Nodes[i].ID),
				Message:     cfg.Message,
				PushToStack: currentState != models.StateStart,
			}
			slog.Debug("FlowResolver.ResolveFlow: edge matched", "tenant", tenantID, "flow", g.ID, "edge", e.ID, "to", res.NewState)
			return res, nil
		}
		slog.Warn("FlowResolver.ResolveFlow: edge target missing", "tenant", tenantID, "flow", g.ID, "edge", e.ID, "target", e.TargetNodeID)
	}
	return nil, nil
}

// NodeMessage returns the message of the active flow's node for state.
func (r *FlowResolver) NodeMessage(ctx context.Context, tenantID, state string) (string, bool, error) {
	g, err := r.activeGraph(ctx, tenantID)
	if err != nil || g == nil {
		return "", false, err
	}
	_, cfg, ok := findNode(g, state)
	if !ok || cfg.Message == "" {
		return "", false, nil
	}
	return cfg.Message, true, nil
}

// edgeMatches evaluates one edge condition. Malformed conditions never match.
func edgeMatches(e models.FlowEdge, p ParsedInput) bool {
	switch e.ConditionType {
	case models.ConditionAlways:
		return true
	case models.ConditionEquals:
		return p.Normalized == normalizeText(e.ConditionValue)
	case models.ConditionNumber:
		if !p.IsNumber {
			return false
		}
		n, err := conditionNumber(e.ConditionValue)
		return err == nil && n == p.Number
	case models.ConditionContains:
		v := normalizeText(e.ConditionValue)
		return v != "" && strings.Contains(p.Normalized, v)
	case models.ConditionRegex:
		re, err := regexp.Compile("(?i)" + e.ConditionValue)
		if err != nil {
			slog.Debug("FlowResolver: invalid regex condition", "edge", e.ID, "error", err)
			return false
		}
		return re.MatchString(p.Raw)
	default:
		return false
	}
}

// conditionNumber converts an edge value such as "2", "02" or "2.0" to an int.
func conditionNumber(v string) (int, error) {
	v = strings.TrimLeft(strings.TrimSpace(v), "0")
	if v == "" || strings.HasPrefix(v, ".") {
		v = "0" + v
	}
	return cast.ToIntE(v)
}
