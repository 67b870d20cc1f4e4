package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shredsocket/internal/connection"
	"shredsocket/internal/jsonrpc"
	"shredsocket/internal/transport"
	"shredsocket/internal/transport/transporttest"
)

func testOptions() Options {
	return Options{
		URL:               "ws://node.test/ws",
		ReconnectEnabled:  true,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Millisecond,
		RequestTimeout:    time.Second,
	}
}

func dialTest(t *testing.T, d *transporttest.Dialer, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), opts, d, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// nodeResponder answers subscribe calls with sequential ids, unsubscribe
// calls with true and everything else with "ok"
func nodeResponder() transporttest.Responder {
	var seq atomic.Int64
	return func(req *jsonrpc.Request) []byte {
		var result interface{} = "ok"
		switch req.Method {
		case "rise_subscribe":
			result = fmt.Sprintf("0xs%d", seq.Add(1))
		case "rise_unsubscribe":
			result = true
		}
		resp, _ := jsonrpc.NewResponse(req.ID, result)
		data, _ := resp.Bytes()
		return data
	}
}

func newReq(t *testing.T, method string) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, []interface{}{}, jsonrpc.NewIDNull())
	require.NoError(t, err)
	return req
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	methods := []string{"m1", "m2", "m3"}
	results := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, m := range methods {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			resp, err := c.RequestAsync(context.Background(), newReq(t, method), time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var got string
			assert.NoError(t, json.Unmarshal(resp.Result, &got))
			mu.Lock()
			results[method] = got
			mu.Unlock()
		}(m)
	}

	var reqs []*jsonrpc.Request
	for range methods {
		req, ok := ch.NextRequest(time.Second)
		require.True(t, ok)
		reqs = append(reqs, req)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		ch.Respond(reqs[i].ID, "result-"+reqs[i].Method)
	}
	wg.Wait()

	for _, m := range methods {
		assert.Equal(t, "result-"+m, results[m])
	}
}

func TestClient_ExplicitIDs(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	req, err := jsonrpc.NewRequest("eth_chainId", nil, jsonrpc.NewIDInt(42))
	require.NoError(t, err)

	got := make(chan *jsonrpc.Response, 1)
	c.Request(req, func(r *jsonrpc.Response) { got <- r }, func(err error) { t.Errorf("unexpected error: %v", err) })

	sent, ok := ch.NextRequest(time.Second)
	require.True(t, ok)
	id, _ := sent.ID.Int64()
	assert.Equal(t, int64(42), id)

	var dupErr error
	c.Request(req, nil, func(err error) { dupErr = err })
	assert.ErrorIs(t, dupErr, ErrDuplicateID)

	bad, err := jsonrpc.NewRequest("eth_chainId", nil, jsonrpc.NewIDString("abc"))
	require.NoError(t, err)
	var badErr error
	c.Request(bad, nil, func(err error) { badErr = err })
	assert.ErrorIs(t, badErr, ErrInvalidID)

	ch.Respond(jsonrpc.NewIDInt(42), "0x1")
	select {
	case r := <-got:
		assert.JSONEq(t, `"0x1"`, string(r.Result))
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}

func TestClient_GeneratedIDsSkipExplicitOnes(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	// explicit id 1 stays in flight
	explicit, err := jsonrpc.NewRequest("slow", nil, jsonrpc.NewIDInt(1))
	require.NoError(t, err)
	c.Request(explicit, func(*jsonrpc.Response) {}, func(error) {})
	sent, ok := ch.NextRequest(time.Second)
	require.True(t, ok)
	require.Equal(t, "slow", sent.Method)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "fast", nil)
		done <- err
	}()

	sent, ok = ch.NextRequest(time.Second)
	require.True(t, ok)
	require.Equal(t, "fast", sent.Method)
	id, _ := sent.ID.Int64()
	assert.NotEqual(t, int64(1), id)

	ch.Respond(sent.ID, "0x1")
	require.NoError(t, <-done)
	assert.Equal(t, 1, c.pending.Len())
}

func TestClient_RequestAsyncTimeout(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	_, err := c.RequestAsync(context.Background(), newReq(t, "slow"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.pending.Len())

	sent, ok := ch.NextRequest(time.Second)
	require.True(t, ok)
	// late response is dropped without effect
	ch.Respond(sent.ID, "late")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.pending.Len())
	assert.True(t, c.Ready())
}

func TestClient_CallReturnsRPCError(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(func(req *jsonrpc.Request) []byte {
		data, _ := jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeServerError, "execution reverted")).Bytes()
		return data
	})
	c := dialTest(t, d, testOptions())

	_, err := c.Call(context.Background(), "eth_call", []interface{}{})
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "execution reverted", rpcErr.Message)
}

func TestClient_DialFailure(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailAll(true)

	_, err := Dial(context.Background(), testOptions(), d, zerolog.Nop())
	require.ErrorIs(t, err, ErrConnect)
}

func TestReconnectBackOff_Schedule(t *testing.T) {
	b := newReconnectBackOff(2 * time.Second)
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for k, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", k)
	}
}

func TestClient_PendingFailedOnDrop(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	errs := make(chan error, 1)
	c.Request(newReq(t, "m"), func(*jsonrpc.Response) { t.Error("unexpected response") }, func(err error) { errs <- err })
	_, ok := ch.NextRequest(time.Second)
	require.True(t, ok)

	ch.Drop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(nodeResponder())
	c := dialTest(t, d, testOptions())

	d.Last().Drop()

	require.Eventually(t, func() bool { return d.Dials() == 2 && c.Ready() }, time.Second, 5*time.Millisecond)
	stats := c.ConnectionManager().Stats()
	assert.Equal(t, connection.StatusConnected, stats.Status)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.TotalDisconnections)
	assert.Equal(t, 0, stats.ReconnectAttempts)

	_, err := c.Call(context.Background(), "eth_blockNumber", nil)
	assert.NoError(t, err)
}

func TestClient_CloseThenErrorSchedulesOneReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	c := dialTest(t, d, testOptions())

	d.Last().DropThenFail(errors.New("reset"))

	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.Dials())
}

func TestClient_ReconnectExhausted(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(nodeResponder())
	c := dialTest(t, d, testOptions())

	terminated := make(chan error, 1)
	c.OnTerminate(func(err error) { terminated <- err })

	subErrs := make(chan error, 8)
	_, err := c.Subscribe(context.Background(), []interface{}{}, func(json.RawMessage) {}, func(err error) { subErrs <- err })
	require.NoError(t, err)

	d.FailAll(true)
	d.Last().Fail(errors.New("boom"))

	select {
	case err := <-terminated:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up")
	}

	// initial dial plus five reconnect attempts
	assert.Equal(t, 6, d.Dials())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, d.Dials())
	assert.True(t, c.Terminated())
	assert.Equal(t, 0, c.Subscriptions())

	_, err = c.Call(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrReconnectExhausted)

	var sawClosed, sawExhausted bool
	require.Eventually(t, func() bool {
		for {
			select {
			case err := <-subErrs:
				sawClosed = sawClosed || errors.Is(err, ErrChannelClosed)
				sawExhausted = sawExhausted || errors.Is(err, ErrReconnectExhausted)
			default:
				return sawClosed && sawExhausted
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectDisabled(t *testing.T) {
	d := transporttest.NewDialer()
	opts := testOptions()
	opts.ReconnectEnabled = false
	c := dialTest(t, d, opts)

	d.Last().Drop()

	require.Eventually(t, c.Terminated, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestClient_SubscribeAndUnsubscribe(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(nodeResponder())
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	var mu sync.Mutex
	var got []int
	sub, err := c.Subscribe(context.Background(), []interface{}{}, func(data json.RawMessage) {
		var n int
		_ = json.Unmarshal(data, &n)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "0xs1", sub.ID())
	assert.Equal(t, 1, c.Subscriptions())

	for i := 1; i <= 5; i++ {
		ch.Push("rise_subscription", "0xs1", i)
	}
	// pushes for unknown subscriptions are dropped
	ch.Push("rise_subscription", "0xother", 99)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe(context.Background()))
	assert.Equal(t, 0, c.Subscriptions())
	require.NoError(t, sub.Unsubscribe(context.Background()))

	ch.Push("rise_subscription", "0xs1", 6)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 5)
	mu.Unlock()
}

func TestClient_UnsubscribeNotConfirmed(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(func(req *jsonrpc.Request) []byte {
		var result interface{} = "0xs1"
		if req.Method == "rise_unsubscribe" {
			result = false
		}
		resp, _ := jsonrpc.NewResponse(req.ID, result)
		data, _ := resp.Bytes()
		return data
	})
	c := dialTest(t, d, testOptions())

	var delivered atomic.Int32
	sub, err := c.Subscribe(context.Background(), []interface{}{}, func(json.RawMessage) { delivered.Add(1) }, nil)
	require.NoError(t, err)

	err = sub.Unsubscribe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, c.Subscriptions())

	d.Last().Push("rise_subscription", "0xs1", 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load())
}

func TestClient_SubscribeError(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(func(req *jsonrpc.Request) []byte {
		data, _ := jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params")).Bytes()
		return data
	})
	c := dialTest(t, d, testOptions())

	_, err := c.Subscribe(context.Background(), []interface{}{"logs"}, nil, nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 0, c.Subscriptions())
}

func TestClient_ResubscribeAfterReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(nodeResponder())
	c := dialTest(t, d, testOptions())

	data := make(chan int, 4)
	errs := make(chan error, 4)
	sub, err := c.Subscribe(context.Background(), []interface{}{"logs"}, func(raw json.RawMessage) {
		var n int
		_ = json.Unmarshal(raw, &n)
		data <- n
	}, func(err error) { errs <- err })
	require.NoError(t, err)
	require.Equal(t, "0xs1", sub.ID())

	d.Last().Drop()

	require.Eventually(t, func() bool { return sub.ID() == "0xs2" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Subscriptions())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("subscription not notified of closure")
	}

	d.Last().Push("rise_subscription", "0xs2", 7)
	select {
	case n := <-data:
		assert.Equal(t, 7, n)
	case <-time.After(time.Second):
		t.Fatal("push after resubscribe not delivered")
	}
}

func TestClient_KeepAlive(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetResponder(nodeResponder())
	opts := testOptions()
	opts.KeepAliveInterval = 10 * time.Millisecond
	dialTest(t, d, opts)

	require.Eventually(t, func() bool {
		for _, raw := range d.Last().Sent() {
			req, err := jsonrpc.ParseRequest(raw)
			if err == nil && req.Method == "net_version" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestClient_KeepAliveTimeoutReconnects(t *testing.T) {
	d := transporttest.NewDialer()
	opts := testOptions()
	opts.KeepAliveInterval = 10 * time.Millisecond
	dialTest(t, d, opts)

	require.Eventually(t, func() bool { return d.Dials() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestClient_CloseFailsPending(t *testing.T) {
	d := transporttest.NewDialer()
	c, err := Dial(context.Background(), testOptions(), d, zerolog.Nop())
	require.NoError(t, err)

	errs := make(chan error, 1)
	c.Request(newReq(t, "m"), nil, func(err error) { errs <- err })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, <-errs, ErrClientClosed)
	assert.True(t, c.Terminated())
	assert.Equal(t, connection.StatusDisconnected, c.ConnectionManager().Status())

	_, err = c.Call(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_PushBeforeUnsubscribeAnswerIsDelivered(t *testing.T) {
	d := transporttest.NewDialer()
	responder := nodeResponder()
	d.SetResponder(func(req *jsonrpc.Request) []byte {
		if req.Method == "rise_unsubscribe" {
			return nil
		}
		return responder(req)
	})
	c := dialTest(t, d, testOptions())
	ch := d.Last()

	var delivered atomic.Int32
	sub, err := c.Subscribe(context.Background(), []interface{}{}, func(json.RawMessage) { delivered.Add(1) }, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sub.Unsubscribe(context.Background()) }()

	var unsub *jsonrpc.Request
	for unsub == nil {
		req, ok := ch.NextRequest(time.Second)
		require.True(t, ok)
		if req.Method == "rise_unsubscribe" {
			unsub = req
		}
	}

	ch.Push("rise_subscription", "0xs1", 1)
	ch.Respond(unsub.ID, true)
	ch.Push("rise_subscription", "0xs1", 2)

	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, 0, c.Subscriptions())
}

func TestClient_CloseDuringReconnectStaysDisconnected(t *testing.T) {
	d := transporttest.NewDialer()
	dialing := make(chan struct{}, 1)
	var calls atomic.Int32
	dialer := transport.DialFunc(func(ctx context.Context, url string, h transport.Handlers) (transport.Channel, error) {
		if calls.Add(1) == 1 {
			return d.Dial(ctx, url, h)
		}
		// the reconnect dial hangs until the client gives it up
		dialing <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c, err := Dial(context.Background(), testOptions(), dialer, zerolog.Nop())
	require.NoError(t, err)

	d.Last().Drop()
	select {
	case <-dialing:
	case <-time.After(time.Second):
		t.Fatal("no reconnect dial")
	}

	require.NoError(t, c.Close())
	time.Sleep(20 * time.Millisecond)
	stats := c.ConnectionManager().Stats()
	assert.Equal(t, connection.StatusDisconnected, stats.Status)
	assert.NoError(t, stats.LastError)
	assert.Equal(t, int32(2), calls.Load())
}
