package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, req *Request) *Response {
	return Reply(req.Payload)
}

func slow(ctx context.Context, req *Request) *Response {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return Reply(map[string]string{"status": "Accepted"})
}

func call(action, payload string) *Request {
	return &Request{LocalID: "l1", WireID: "w1", Action: action, Payload: json.RawMessage(payload)}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Handle("DataTransfer", echo)

	resp := r.Serve(context.Background(), call("DataTransfer", `{"vendorId":"v"}`))
	require.NoError(t, resp.Err)
	raw, err := resp.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"vendorId":"v"}`, string(raw))

	resp = r.Serve(context.Background(), call("FirmwareStatus", `{}`))
	assert.ErrorIs(t, resp.Err, ErrNotSupported)
	assert.Equal(t, []string{"DataTransfer"}, r.Actions())
}

func TestEncode(t *testing.T) {
	raw, err := Reply(nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))

	raw, err = Reply(struct {
		Status string `json:"status"`
	}{"Accepted"}).Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"status":"Accepted"}`, string(raw))
}

func TestBind(t *testing.T) {
	var v struct {
		Type string `json:"type"`
	}
	require.NoError(t, call("Reset", `{"type":"Hard"}`).Bind(&v))
	assert.Equal(t, "Hard", v.Type)

	assert.Error(t, call("Reset", `[1]`).Bind(&v))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) *Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	h := Chain(mark("a"), mark("b"), mark("c"))(echo)
	h(context.Background(), call("Heartbeat", `{}`))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTimeoutPass(t *testing.T) {
	resp := Timeout(500*time.Millisecond)(echo)(context.Background(), call("ClearCache", `{}`))
	assert.NoError(t, resp.Err)
}

func TestTimeoutExceeded(t *testing.T) {
	resp := Timeout(20*time.Millisecond)(slow)(context.Background(), call("ClearCache", `{}`))
	assert.ErrorIs(t, resp.Err, ErrTimeout)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 2)(echo)

	assert.NoError(t, h(context.Background(), call("Heartbeat", `{}`)).Err)
	assert.NoError(t, h(context.Background(), call("Heartbeat", `{}`)).Err)
	assert.ErrorIs(t, h(context.Background(), call("Heartbeat", `{}`)).Err, ErrRateLimited)
}

func TestRecover(t *testing.T) {
	boom := func(context.Context, *Request) *Response {
		panic("boom")
	}
	resp := Recover()(boom)(context.Background(), call("Reset", `{}`))
	require.Error(t, resp.Err)
	assert.Contains(t, resp.Err.Error(), "boom")
}

func TestLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := Logging(logrus.NewEntry(logger))

	h(echo)(context.Background(), call("Heartbeat", `{}`))
	h(func(context.Context, *Request) *Response { return nil })(context.Background(), call("Reset", `{}`))

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.InfoLevel, hook.AllEntries()[0].Level)
	assert.Equal(t, "Heartbeat", hook.AllEntries()[0].Data["action"])
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
