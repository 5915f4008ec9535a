package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// HookType names a hook factory.
type HookType string

const (
	// HookTypeAutoReply answers every message with a fixed text.
	HookTypeAutoReply HookType = "auto_reply"
	// HookTypeKeywordReply answers messages containing a keyword.
	HookTypeKeywordReply HookType = "keyword_reply"
)

// Sender delivers one text message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// HookFactory defines a function that creates a response hook from parameters
type HookFactory func(params map[string]string, sender Sender) (ResponseAction, error)

// HookRegistry manages the mapping of hook type names to factory functions
type HookRegistry struct {
	factories map[HookType]HookFactory
	mu        sync.RWMutex
}

// NewHookRegistry creates a new hook registry with default factories
func NewHookRegistry() *HookRegistry {
	registry := &HookRegistry{
		factories: make(map[HookType]HookFactory),
	}
	registry.registerDefaultFactories()
	return registry
}

func (hr *HookRegistry) registerDefaultFactories() {
	hr.factories[HookTypeAutoReply] = func(params map[string]string, sender Sender) (ResponseAction, error) {
		text := params["text"]
		if text == "" {
			return nil, fmt.Errorf("missing required parameter: text")
		}
		return CreateAutoReplyHook(text, sender), nil
	}

	hr.factories[HookTypeKeywordReply] = func(params map[string]string, sender Sender) (ResponseAction, error) {
		keyword, text := params["keyword"], params["text"]
		if keyword == "" || text == "" {
			return nil, fmt.Errorf("missing required parameters: keyword and text")
		}
		return CreateKeywordReplyHook(keyword, text, sender), nil
	}

	slog.Debug("HookRegistry registered default factories", "count", len(hr.factories))
}

// RegisterFactory registers a custom hook factory function
func (hr *HookRegistry) RegisterFactory(hookType HookType, factory HookFactory) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.factories[hookType] = factory
	slog.Debug("HookRegistry registered custom factory", "hookType", hookType)
}

// CreateHook creates a hook using the registered factory for the given type
func (hr *HookRegistry) CreateHook(hookType HookType, params map[string]string, sender Sender) (ResponseAction, error) {
	hr.mu.RLock()
	factory, exists := hr.factories[hookType]
	hr.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no factory registered for hook type: %s", hookType)
	}

	hook, err := factory(params, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to create hook of type %s: %w", hookType, err)
	}

	slog.Debug("HookRegistry created hook successfully", "hookType", hookType)
	return hook, nil
}

// ListRegisteredTypes returns all registered hook types in name order.
func (hr *HookRegistry) ListRegisteredTypes() []HookType {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	types := make([]HookType, 0, len(hr.factories))
	for hookType := range hr.factories {
		types = append(types, hookType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsRegistered checks if a hook type has a registered factory
func (hr *HookRegistry) IsRegistered(hookType HookType) bool {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	_, exists := hr.factories[hookType]
	return exists
}

// CreateAutoReplyHook answers every message with text.
func CreateAutoReplyHook(text string, sender Sender) ResponseAction {
	return func(ctx context.Context, from, responseText string, timestamp int64) (bool, error) {
		if err := sender.SendMessage(ctx, from, text); err != nil {
			slog.Error("AutoReplyHook failed to send reply", "error", err, "from", from)
			return false, fmt.Errorf("failed to send auto reply: %w", err)
		}
		return true, nil
	}
}

// CreateKeywordReplyHook answers with text when the message contains keyword,
// ignoring case and Unicode composition.
func CreateKeywordReplyHook(keyword, text string, sender Sender) ResponseAction {
	needle := foldText(keyword)
	return func(ctx context.Context, from, responseText string, timestamp int64) (bool, error) {
		if !strings.Contains(foldText(responseText), needle) {
			return false, nil
		}
		if err := sender.SendMessage(ctx, from, text); err != nil {
			slog.Error("KeywordReplyHook failed to send reply", "error", err, "from", from)
			return false, fmt.Errorf("failed to send keyword reply: %w", err)
		}
		return true, nil
	}
}

func foldText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}
