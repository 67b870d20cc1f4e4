package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// MessageKind classifies an inbound frame
type MessageKind int

const (
	// KindUnknown is a frame that is neither a response nor a push
	KindUnknown MessageKind = iota
	// KindResponse is a response correlated by numeric id
	KindResponse
	// KindNotification is a subscription push
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is a classified inbound frame
type Message struct {
	Kind MessageKind

	// set for KindResponse
	ID       int64
	Response *Response

	// set for KindNotification
	Subscription string
	Result       json.RawMessage
	Error        *Error
}

type rawMessage struct {
	ID     *ID              `json:"id"`
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params"`
	Result json.RawMessage  `json:"result"`
	Error  *Error           `json:"error"`
}

// SubscriptionMethod returns the push method name for a namespace
func SubscriptionMethod(namespace string) string {
	return namespace + "_subscription"
}

// ParseMessage decodes and classifies an inbound frame. Pushes are
// recognised by notificationMethod, responses by a numeric id.
// Frames matching neither are returned as KindUnknown without error.
func ParseMessage(data []byte, notificationMethod string) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	if raw.Method != "" {
		if raw.Method != notificationMethod || raw.Params == nil {
			return &Message{Kind: KindUnknown}, nil
		}
		var params SubscriptionParams
		if err := json.Unmarshal(*raw.Params, &params); err != nil {
			return nil, fmt.Errorf("failed to parse notification params: %w", err)
		}
		subID, err := SubscriptionID(params.Subscription)
		if err != nil {
			return nil, err
		}
		return &Message{
			Kind:         KindNotification,
			Subscription: subID,
			Result:       params.Result,
			Error:        params.Error,
		}, nil
	}

	if raw.ID == nil {
		return &Message{Kind: KindUnknown}, nil
	}
	id, ok := raw.ID.Int64()
	if !ok {
		return &Message{Kind: KindUnknown}, nil
	}
	return &Message{
		Kind: KindResponse,
		ID:   id,
		Response: &Response{
			JSONRPC: Version,
			Result:  raw.Result,
			Error:   raw.Error,
			ID:      *raw.ID,
		},
	}, nil
}
