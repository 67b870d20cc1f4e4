package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version
const Version = "2.0"

// JSON-RPC error codes seen from nodes
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603

	// Server error codes range: -32000 to -32099
	CodeServerError = -32000
)

// ID represents a JSON-RPC request/response ID
// It can be a string, number, or null
type ID struct {
	value interface{}
}

// NewIDString creates an ID from a string
func NewIDString(s string) ID {
	return ID{value: s}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// NewIDNull creates a null ID
func NewIDNull() ID {
	return ID{value: nil}
}

// IsNull returns true if the ID is null
func (id ID) IsNull() bool {
	return id.value == nil
}

// Int64 returns the numeric value of the ID.
// The second return value is false for null, string and fractional IDs.
func (id ID) Int64() (int64, bool) {
	switch v := id.value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// String returns a printable form of the ID
func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		id.value = int64(f)
		return nil
	}
	id.value = v
	return nil
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new JSON-RPC error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// SubscriptionNotification represents a subscription event notification
type SubscriptionNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionParams `json:"params"`
}

// SubscriptionParams contains the subscription notification parameters
type SubscriptionParams struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Error          `json:"error,omitempty"`
}

// Log represents a log entry pushed by a logs subscription
type Log struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	BlockHash        string   `json:"blockHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// Shred represents a shred event pushed by a shreds subscription.
// Only the identifying fields are decoded, the rest is left to the caller.
type Shred struct {
	BlockNumber    uint64 `json:"block_number"`
	ShredIndex     uint64 `json:"shred_idx"`
	BlockTimestamp uint64 `json:"block_timestamp"`
}

// SubscriptionID normalizes a subscription identifier as it appears on the
// wire. Servers send either a JSON string or a JSON number.
func SubscriptionID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("subscription id is empty")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("subscription id is empty")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid subscription id %s: %w", string(raw), err)
	}
	return n.String(), nil
}
