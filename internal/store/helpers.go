package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/BotPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sessionColumns is the select list understood by scanSession.
const sessionColumns = `tenant_id, user_id, state, previous_state, stack, context, locked, last_interaction, created_at, updated_at`

// scanSession scans one bot_sessions row selected with sessionColumns.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var previous, stackJSON, contextJSON sql.NullString
	err := row.Scan(
		&s.TenantID, &s.UserID, &s.State, &previous, &stackJSON, &contextJSON,
		&s.Locked, &s.LastInteraction, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.PreviousState = previous.String
	s.Stack = []string{}
	if stackJSON.Valid && stackJSON.String != "" {
		if err := json.Unmarshal([]byte(stackJSON.String), &s.Stack); err != nil {
			return nil, fmt.Errorf("decode session stack: %w", err)
		}
	}
	s.Context = map[string]interface{}{}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &s.Context); err != nil {
			return nil, fmt.Errorf("decode session context: %w", err)
		}
	}
	return &s, nil
}

// encodeStack marshals a stack, storing nil as an empty array.
func encodeStack(stack []string) (string, error) {
	if stack == nil {
		stack = []string{}
	}
	b, err := json.Marshal(stack)
	if err != nil {
		return "", fmt.Errorf("encode session stack: %w", err)
	}
	return string(b), nil
}

// encodeMap marshals a JSON object column, storing nil as an empty object.
func encodeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json map: %w", err)
	}
	return string(b), nil
}

// decodeMap unmarshals a JSON object column into a non-nil map.
func decodeMap(raw sql.NullString) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
			return nil, fmt.Errorf("decode json map: %w", err)
		}
	}
	return m, nil
}

// menuColumns is the select list understood by scanMenu.
const menuColumns = `tenant_id, menu_key, title, header, footer, options, parent_menu_key`

func scanMenu(row rowScanner) (*models.DynamicMenu, error) {
	var m models.DynamicMenu
	var optionsJSON, parent sql.NullString
	if err := row.Scan(&m.TenantID, &m.MenuKey, &m.Title, &m.Header, &m.Footer, &optionsJSON, &parent); err != nil {
		return nil, err
	}
	m.ParentMenuKey = parent.String
	if optionsJSON.Valid && optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &m.Options); err != nil {
			return nil, fmt.Errorf("decode menu options: %w", err)
		}
	}
	return &m, nil
}

func encodeOptions(options []models.MenuOption) (string, error) {
	if options == nil {
		options = []models.MenuOption{}
	}
	b, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode menu options: %w", err)
	}
	return string(b), nil
}

// botConfigColumns is the select list understood by scanBotConfig.
const botConfigColumns = `tenant_id, enabled, main_menu_key, invalid_option_text, goodbye_message, human_handoff_message, fallback_message`

func scanBotConfig(row rowScanner) (*models.BotConfig, error) {
	var c models.BotConfig
	err := row.Scan(&c.TenantID, &c.Enabled, &c.MainMenuKey, &c.InvalidOptionText,
		&c.GoodbyeMessage, &c.HumanHandoffMessage, &c.FallbackMessage)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanFlowNode(rows *sql.Rows) (models.FlowNode, error) {
	var n models.FlowNode
	var nodeType string
	var configJSON sql.NullString
	if err := rows.Scan(&n.FlowID, &n.ID, &nodeType, &configJSON); err != nil {
		return n, fmt.Errorf("scan flow node failed: %w", err)
	}
	n.NodeType = models.NodeType(nodeType)
	cfg, err := decodeMap(configJSON)
	if err != nil {
		return n, err
	}
	n.Config = cfg
	return n, nil
}

func scanFlowEdge(rows *sql.Rows) (models.FlowEdge, error) {
	var e models.FlowEdge
	var condition string
	err := rows.Scan(&e.FlowID, &e.ID, &e.SourceNodeID, &e.TargetNodeID, &condition, &e.ConditionValue, &e.Priority)
	if err != nil {
		return e, fmt.Errorf("scan flow edge failed: %w", err)
	}
	e.ConditionType = models.ConditionType(condition)
	return e, nil
}

func scanTranscript(rows *sql.Rows) (models.TranscriptEntry, error) {
	var t models.TranscriptEntry
	if err := rows.Scan(&t.ID, &t.TenantID, &t.UserID, &t.Text, &t.FromUser, &t.CreatedAt); err != nil {
		return t, fmt.Errorf("scan transcript failed: %w", err)
	}
	return t, nil
}

// reverseTranscript flips a newest-first page into chronological order.
func reverseTranscript(entries []models.TranscriptEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
