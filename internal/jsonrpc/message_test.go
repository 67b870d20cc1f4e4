package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Response(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":"0x1"}`), "rise_subscription")
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, int64(7), msg.ID)
	require.NotNil(t, msg.Response)
	assert.JSONEq(t, `"0x1"`, string(msg.Response.Result))
	assert.False(t, msg.Response.HasError())
}

func TestParseMessage_ErrorResponse(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"boom"}}`), "rise_subscription")
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	require.True(t, msg.Response.HasError())
	assert.Equal(t, "boom", msg.Response.Error.Message)
}

func TestParseMessage_Notification(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"rise_subscription","params":{"subscription":"0xabc","result":{"n":1}}}`)
	msg, err := ParseMessage(data, "rise_subscription")
	require.NoError(t, err)
	assert.Equal(t, KindNotification, msg.Kind)
	assert.Equal(t, "0xabc", msg.Subscription)
	assert.JSONEq(t, `{"n":1}`, string(msg.Result))
	assert.Nil(t, msg.Error)
}

func TestParseMessage_NumericSubscriptionID(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"rise_subscription","params":{"subscription":42,"result":1}}`)
	msg, err := ParseMessage(data, "rise_subscription")
	require.NoError(t, err)
	assert.Equal(t, "42", msg.Subscription)
}

func TestParseMessage_Unknown(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"other namespace", `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":1}}`},
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":1}`},
		{"null id", `{"jsonrpc":"2.0","id":null,"result":1}`},
		{"no id", `{"jsonrpc":"2.0","result":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data), "rise_subscription")
			require.NoError(t, err)
			assert.Equal(t, KindUnknown, msg.Kind)
		})
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`), "rise_subscription")
	assert.Error(t, err)
}

func TestID_RoundTripNumeric(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`12`), &id))
	n, ok := id.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(12), n)

	require.NoError(t, json.Unmarshal([]byte(`1.5`), &id))
	_, ok = id.Int64()
	assert.False(t, ok)
}

func TestResponse_Confirmed(t *testing.T) {
	assert.True(t, (&Response{Result: json.RawMessage(`true`)}).Confirmed())
	assert.False(t, (&Response{Result: json.RawMessage(`false`)}).Confirmed())
	assert.False(t, (&Response{Error: NewError(CodeInternalError, "x")}).Confirmed())
}
