// Package models defines the core data structures for BotPipe.
//
// It includes the inbound/outbound engine contract, transport events and the
// API envelope shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum inbound message length the engine accepts
	MaxMessageTextLength = 4096
	// MaxIdentifierLength bounds tenant and sender identifiers
	MaxIdentifierLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyTenant        = errors.New("tenant id cannot be empty")
	ErrEmptySender        = errors.New("sender identifier cannot be empty")
	ErrIdentifierTooLong  = errors.New("identifier exceeds maximum length")
	ErrMessageTooLong     = errors.New("message text exceeds maximum length")
	ErrEngineDisabled     = errors.New("bot engine disabled for tenant")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidMenuOption  = errors.New("menu option must set exactly one of target_menu, target_state or action")
	ErrInvalidAction      = errors.New("unknown action")
	ErrInvalidCondition   = errors.New("unknown edge condition type")
	ErrEmptyMenuKey       = errors.New("menu key cannot be empty")
	ErrDuplicateMenuKey   = errors.New("duplicate menu key")
	ErrUnknownEdgeNode    = errors.New("edge references unknown node")
	ErrMissingEntryNode   = errors.New("flow has no start node")
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrEmptyNodeID        = errors.New("node id cannot be empty")
	ErrEmptyTransportText = errors.New("message text cannot be empty")
)

// InterceptRequest is a single inbound chat message offered to the bot engine.
type InterceptRequest struct {
	TenantID              string `json:"tenant_id"`
	SenderIdentifier      string `json:"sender_identifier"`
	MessageText           string `json:"message_text"`
	TransportInstanceName string `json:"transport_instance_name,omitempty"`
	// MessageID is the transport message id, when the transport provides one.
	MessageID string `json:"message_id,omitempty"`
}

// Validate performs basic validation on an InterceptRequest.
func (r *InterceptRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return ErrEmptyTenant
	}
	if strings.TrimSpace(r.SenderIdentifier) == "" {
		return ErrEmptySender
	}
	if len(r.TenantID) > MaxIdentifierLength || len(r.SenderIdentifier) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	if len(r.MessageText) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// InterceptResponse tells the caller whether the engine handled the message.
//
// ShouldContinue=true means the caller must keep invoking its other handlers.
// Intercepted=true with a Response means the caller should deliver Response.
type InterceptResponse struct {
	Intercepted    bool   `json:"intercepted"`
	Response       string `json:"response,omitempty"`
	NewState       string `json:"new_state,omitempty"`
	ShouldContinue bool   `json:"should_continue"`
	Error          string `json:"error,omitempty"`
	// Duplicate is set when the message id was already processed; the caller
	// must neither reply nor run other handlers again.
	Duplicate bool `json:"duplicate,omitempty"`
}

// PassThrough builds a response that hands the message to the next handler.
func PassThrough() InterceptResponse {
	return InterceptResponse{ShouldContinue: true}
}

// PassThroughWithError builds a pass-through response carrying an internal error.
func PassThroughWithError(err error) InterceptResponse {
	resp := InterceptResponse{ShouldContinue: true}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// DuplicateDelivery builds the response for a redelivered, already processed message.
func DuplicateDelivery() InterceptResponse {
	return InterceptResponse{Duplicate: true}
}

// Intercepted builds a response carrying the engine's reply.
func Intercepted(reply, newState string) InterceptResponse {
	return InterceptResponse{Intercepted: true, Response: reply, NewState: newState}
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// Receipt is a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming chat message from an end user.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
	MessageID string `json:"message_id,omitempty"`
	// TenantID is set by transports that serve several tenants on one endpoint.
	TenantID string `json:"tenant_id,omitempty"`
	// Instance names the transport instance (device, number) that received it.
	Instance string `json:"instance,omitempty"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
