package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocppj_cp/internal/config"
	"ocppj_cp/internal/exchange"
	"ocppj_cp/internal/frame"
	"ocppj_cp/internal/store"
	"ocppj_cp/internal/transport"
)

type fakeClient struct {
	mu        sync.Mutex
	frames    []string
	connected bool
	handler   transport.Handler
}

func (c *fakeClient) Start(context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.handler.ConnectionUp()
	return nil
}

func (c *fakeClient) Stop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.handler.ConnectionLost(nil)
}

func (c *fakeClient) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) sent() []*frame.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*frame.Message, 0, len(c.frames))
	for _, raw := range c.frames {
		if msg, err := frame.Decode([]byte(raw)); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

type harness struct {
	cp     *ChargePoint
	engine *exchange.Engine
	db     *store.Store
	client *fakeClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)

	cfg := config.Default()
	require.NoError(t, setupStore(db, cfg))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	h := &harness{db: db, client: &fakeClient{}}
	h.cp = NewChargePoint(cfg, db, logrus.NewEntry(logger))
	h.cp.newClient = func(_ transport.Options, handler transport.Handler) wsClient {
		h.client.handler = handler
		return h.client
	}
	journal := store.NewJournal(db, cfg.ChargePoint.ID, 0)
	h.engine = exchange.New(exchange.Config{}, h.cp, h.cp,
		exchange.WithLogger(logrus.NewEntry(logger)),
		exchange.WithJournal(journal),
	)
	h.cp.Attach(h.engine, journal)

	t.Cleanup(func() {
		h.engine.Close()
		h.cp.closeStopC()
		_ = db.Close()
	})
	return h
}

// online connects without running the boot sequence.
func (h *harness) online() {
	h.cp.mu.Lock()
	h.cp.client = h.client
	h.cp.booting = true
	h.cp.mu.Unlock()
	h.client.mu.Lock()
	h.client.handler = h.engine
	h.client.connected = true
	h.client.mu.Unlock()
	h.engine.ConnectionUp()
}

func (h *harness) call(t *testing.T, id, action, payload string) {
	t.Helper()
	h.engine.HandleInboundBytes([]byte(fmt.Sprintf(`[2,%q,%q,%s]`, id, action, payload)))
}

func (h *harness) waitResult(t *testing.T, id string, v any) {
	t.Helper()
	var found *frame.Message
	require.Eventually(t, func() bool {
		for _, msg := range h.client.sent() {
			if msg.Type == frame.CallResult && msg.ID == id {
				found = msg
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no result for %s", id)
	require.NoError(t, json.Unmarshal(found.Payload, v))
}

func (h *harness) waitCall(t *testing.T, action string, nth int) *frame.Message {
	t.Helper()
	var found *frame.Message
	require.Eventually(t, func() bool {
		n := 0
		for _, msg := range h.client.sent() {
			if msg.Type == frame.Call && msg.Action == action {
				n++
				if n == nth {
					found = msg
					return true
				}
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "no %s call", action)
	return found
}

func TestBootSequence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cp.Start(context.Background()))
	assert.True(t, h.cp.IsConnected())

	boot := h.waitCall(t, core.BootNotificationFeatureName, 1)
	var request core.BootNotificationRequest
	require.NoError(t, json.Unmarshal(boot.Payload, &request))
	assert.NotEmpty(t, request.ChargePointVendor)
	assert.Equal(t, "v"+appVersion, request.FirmwareVersion)

	h.engine.HandleInboundBytes([]byte(fmt.Sprintf(
		`[3,%q,{"status":"Accepted","currentTime":"2024-01-01T00:00:00Z","interval":42}]`, boot.ID)))

	status := h.waitCall(t, core.StatusNotificationFeatureName, 1)
	assert.Contains(t, string(status.Payload), `"status":"Available"`)
	assert.Equal(t, 42, h.db.MustGetInt(heartbeatIntervalKey))

	require.NoError(t, h.cp.Stop())
	assert.False(t, h.cp.IsConnected())
	assert.Error(t, h.cp.Stop())
}

func TestGetConfiguration(t *testing.T) {
	h := newHarness(t)
	h.online()

	h.call(t, "1", "GetConfiguration", `{"key":["HeartbeatInterval","NoSuchKey","AuthorizationKey"]}`)

	var conf core.GetConfigurationConfirmation
	h.waitResult(t, "1", &conf)
	require.Len(t, conf.ConfigurationKey, 1)
	assert.Equal(t, "HeartbeatInterval", conf.ConfigurationKey[0].Key)
	assert.Equal(t, "300", *conf.ConfigurationKey[0].Value)
	assert.Equal(t, []string{"NoSuchKey"}, conf.UnknownKey)
}

func TestChangeConfiguration(t *testing.T) {
	h := newHarness(t)
	h.online()

	var conf core.ChangeConfigurationConfirmation
	h.call(t, "1", "ChangeConfiguration", `{"key":"HeartbeatInterval","value":"60"}`)
	h.waitResult(t, "1", &conf)
	assert.Equal(t, core.ConfigurationStatusAccepted, conf.Status)
	assert.Equal(t, 60, h.db.MustGetInt(heartbeatIntervalKey))

	h.call(t, "2", "ChangeConfiguration", `{"key":"Volume","value":"11"}`)
	h.waitResult(t, "2", &conf)
	assert.Equal(t, core.ConfigurationStatusNotSupported, conf.Status)

	require.NoError(t, h.db.Set(securityProfileKey, "1"))
	h.call(t, "3", "ChangeConfiguration", `{"key":"SecurityProfile","value":"0"}`)
	h.waitResult(t, "3", &conf)
	assert.Equal(t, core.ConfigurationStatusRejected, conf.Status)
	assert.Equal(t, 1, h.db.MustGetInt(securityProfileKey))
}

func TestUnsupportedActionIsLeftPending(t *testing.T) {
	h := newHarness(t)
	h.online()

	h.call(t, "9", "UpdateFirmware", `{"location":"ftp://x","retrieveDate":"2024-01-01T00:00:00Z"}`)
	h.call(t, "10", "ClearCache", `{}`)

	var conf core.ClearCacheConfirmation
	h.waitResult(t, "10", &conf)
	assert.Equal(t, core.ClearCacheStatusAccepted, conf.Status)

	pending := h.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "9", pending[0].WireID)
	assert.Equal(t, "UpdateFirmware", pending[0].Action)
}

func TestRemoteTransaction(t *testing.T) {
	h := newHarness(t)
	h.online()

	var started core.RemoteStartTransactionConfirmation
	h.call(t, "1", "RemoteStartTransaction", `{"connectorId":1,"idTag":"TAG"}`)
	h.waitResult(t, "1", &started)
	assert.EqualValues(t, "Accepted", started.Status)

	start := h.waitCall(t, core.StartTransactionFeatureName, 1)
	h.engine.HandleInboundBytes([]byte(fmt.Sprintf(`[3,%q,{"idTagInfo":{"status":"Accepted"},"transactionId":7}]`, start.ID)))

	require.Eventually(t, h.cp.isTxRunning, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, h.cp.currentTxId())
	assert.Equal(t, 1, h.cp.currentTxConnectorId())
	assert.Equal(t, "TAG", h.cp.currentTxIdTag())
	charging := h.waitCall(t, core.StatusNotificationFeatureName, 1)
	assert.Contains(t, string(charging.Payload), `"status":"Charging"`)

	// a second start is rejected while the transaction runs
	h.call(t, "2", "RemoteStartTransaction", `{"connectorId":1,"idTag":"OTHER"}`)
	h.waitResult(t, "2", &started)
	assert.EqualValues(t, "Rejected", started.Status)

	var stopped core.RemoteStopTransactionConfirmation
	h.call(t, "3", "RemoteStopTransaction", `{"transactionId":7}`)
	h.waitResult(t, "3", &stopped)
	assert.EqualValues(t, "Accepted", stopped.Status)

	stop := h.waitCall(t, core.StopTransactionFeatureName, 1)
	var stopReq core.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &stopReq))
	assert.Equal(t, 7, stopReq.TransactionId)
	assert.Equal(t, "TAG", stopReq.IdTag)

	h.engine.HandleInboundBytes([]byte(fmt.Sprintf(`[3,%q,{"idTagInfo":{"status":"Accepted"}}]`, stop.ID)))
	require.Eventually(t, func() bool { return !h.cp.isTxRunning() }, time.Second, 5*time.Millisecond)

	available := h.waitCall(t, core.StatusNotificationFeatureName, 3)
	assert.Contains(t, string(available.Payload), `"status":"Available"`)
}

func TestRemoteStopWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	h.online()

	var stopped core.RemoteStopTransactionConfirmation
	h.call(t, "1", "RemoteStopTransaction", `{"transactionId":3}`)
	h.waitResult(t, "1", &stopped)
	assert.EqualValues(t, "Rejected", stopped.Status)
}

func TestTriggerMessage(t *testing.T) {
	h := newHarness(t)
	h.online()

	var conf struct {
		Status string `json:"status"`
	}
	h.call(t, "1", "TriggerMessage", `{"requestedMessage":"Heartbeat"}`)
	h.waitResult(t, "1", &conf)
	assert.Equal(t, "Accepted", conf.Status)
	h.waitCall(t, core.HeartbeatFeatureName, 1)

	h.call(t, "2", "TriggerMessage", `{"requestedMessage":"FirmwareStatusNotification"}`)
	h.waitResult(t, "2", &conf)
	assert.Equal(t, "NotImplemented", conf.Status)
}

func TestInstallCertificateRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	h.online()

	var conf struct {
		Status string `json:"status"`
	}
	h.call(t, "1", "InstallCertificate", `{"certificateType":"CentralSystemRootCertificate","certificate":"not a pem"}`)
	h.waitResult(t, "1", &conf)
	assert.Equal(t, "Rejected", conf.Status)

	h.call(t, "2", "DeleteCertificate", `{"certificateHashData":{"hashAlgorithm":"SHA256","issuerNameHash":"a","issuerKeyHash":"b","serialNumber":"c"}}`)
	h.waitResult(t, "2", &conf)
	assert.Equal(t, "NotFound", conf.Status)
}

func TestTransportOptions(t *testing.T) {
	h := newHarness(t)

	opts, err := h.cp.transportOptions()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8887/CP_1", opts.URL)
	assert.Empty(t, opts.Password)

	require.NoError(t, h.db.Set(securityProfileKey, "1"))
	_, err = h.cp.transportOptions()
	assert.Error(t, err)

	require.NoError(t, h.db.Set(authorizationKeyKey, "s3cret"))
	opts, err = h.cp.transportOptions()
	require.NoError(t, err)
	assert.Equal(t, "CP_1", opts.Username)
	assert.Equal(t, "s3cret", opts.Password)

	require.NoError(t, h.db.Set(securityProfileKey, "2"))
	_, err = h.cp.transportOptions()
	assert.ErrorContains(t, err, "wss://")

	require.NoError(t, h.db.Set(securityProfileKey, "7"))
	_, err = h.cp.transportOptions()
	assert.Error(t, err)
}

func TestControlServer(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.cp.controlHandler(prometheus.NewRegistry()))
	defer srv.Close()

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	post := func(path, body string) (int, string) {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		out, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(out)
	}

	list := get("/list")
	assert.Contains(t, list, "/send")
	assert.Contains(t, list, "\tRemoteStartTransaction\n")
	assert.Contains(t, list, "\tDeleteCertificate\n")

	code, _ := post("/send", `{"action":"Heartbeat","payload":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.online()
	code, body := post("/send", `{"action":"Heartbeat","payload":{}}`)
	require.Equal(t, http.StatusOK, code, body)
	var receipt sendResponse
	require.NoError(t, json.Unmarshal([]byte(body), &receipt))
	assert.Equal(t, "Heartbeat", receipt.Action)
	assert.NotEmpty(t, receipt.ID)

	code, _ = post("/send", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Contains(t, get("/pending"), receipt.ID)

	code, body = post("/complete", `{"localId":"nope","payload":{}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"unknown"`)

	assert.Contains(t, get("/list-db"), "HeartbeatInterval")
	assert.Contains(t, get("/audit"), "request")
}
