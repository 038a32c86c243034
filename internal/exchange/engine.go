// Package exchange is the OCPP-J message exchange engine of one charge point
// connection.
//
// Inbound bytes are decoded and classified:
//
//	CALL       -> completion slot opened, OnInboundCall(localID, wireID, action, payload)
//	CALLRESULT -> outbound record resolved, OnInboundResult(wireID, action, payload)
//	CALLERROR  -> outbound record resolved, OnInboundResult with the error fields
//
// The application answers an inbound call whenever it is ready through
// CompleteInboundCall; the CALLRESULT is written then, or never if the slot's
// deadline fires first. The engine never emits CALLERROR.
package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"

	"ocppj_cp/internal/completion"
	"ocppj_cp/internal/correlation"
	"ocppj_cp/internal/frame"
	"ocppj_cp/internal/metrics"
	"ocppj_cp/internal/msgid"
)

var (
	ErrMissingAction   = errors.New("missing command in json request message")
	ErrMissingPayload  = errors.New("missing data in json request message")
	ErrNotConnected    = errors.New("not connected to central system")
	ErrUnsupportedKind = errors.New("unsupported message type for send request")
)

// Audit labels, as written by the charge point node's frame log.
const (
	DirectionReceived = "received"
	DirectionReplied  = "replied"
	DirectionRequest  = "request"
	DirectionError    = "error"
	DirectionInfo     = "info"
)

// Sender transmits one encoded frame.
type Sender interface {
	Write(data []byte) error
}

// Journal records every frame that crosses the wire.
type Journal interface {
	Record(direction string, data []byte) error
}

// Application consumes the events of the engine. Callbacks run on the
// caller's goroutine (the transport read loop) and must not block; answer
// inbound calls later through CompleteInboundCall.
type Application interface {
	OnInboundCall(ev InboundCall)
	OnInboundResult(ev InboundResult)
	OnConnectionStatus(connected bool, err error)
}

// InboundCall is a CALL received from the central system. LocalID is the
// handle for CompleteInboundCall and is never sent on the wire.
type InboundCall struct {
	LocalID string
	WireID  string
	Action  string
	Payload json.RawMessage
}

// InboundResult is a reply to one of our calls. Action is
// correlation.UnknownAction when the id matched nothing.
type InboundResult struct {
	Type             ocppj.MessageType
	WireID           string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
}

// IsError reports whether the reply was a CALLERROR.
func (r InboundResult) IsError() bool {
	return r.Type == frame.CallError
}

// Request is an application send request. Type defaults to CALL.
//
//   - CALL: ID is optional (a fresh one is generated), Action and Payload fall
//     back to the configured defaults.
//   - CALLRESULT: ID is the LocalID of the inbound call being answered.
type Request struct {
	Type    ocppj.MessageType
	ID      string
	Action  string
	Payload json.RawMessage
}

// Receipt reports what SendOutbound did. Status is only meaningful for
// CALLRESULT requests.
type Receipt struct {
	ID     string
	Action string
	Status completion.Status
}

// Config is the part of the node configuration the engine consumes.
type Config struct {
	DefaultAction     string
	DefaultPayload    json.RawMessage
	CompletionTimeout time.Duration
	OutboundCapacity  int
	// SettledMemory bounds the settled ids kept by the completion registry;
	// 0 uses the registry default.
	SettledMemory int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for outbound call ids.
func WithIDGenerator(gen msgid.Generator) Option {
	return func(e *Engine) {
		e.newWireID = gen
	}
}

// WithLocalIDGenerator sets the generator for completion handles.
func WithLocalIDGenerator(gen msgid.Generator) Option {
	return func(e *Engine) {
		e.newLocalID = gen
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// Engine owns both correlation tables of one connection. It is safe for
// concurrent use.
type Engine struct {
	cfg        Config
	out        Sender
	app        Application
	log        *logrus.Entry
	clock      clock.Clock
	newWireID  msgid.Generator
	newLocalID msgid.Generator
	metrics    *metrics.Metrics
	journal    Journal

	// sending serializes writes so frames leave in invocation order
	sending   sync.Mutex
	connected atomic.Bool

	mu      sync.RWMutex
	calls   *correlation.Table
	pending *completion.Registry
}

// New creates an engine writing to out and reporting to app. The engine starts
// disconnected; call ConnectionUp once the transport is open.
func New(cfg Config, out Sender, app Application, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		out:        out,
		app:        app,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		clock:      clock.New(),
		newWireID:  msgid.New,
		newLocalID: msgid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.CompletionTimeout <= 0 {
		e.cfg.CompletionTimeout = completion.DefaultTTL
	}
	e.pending = completion.NewRegistry(
		completion.WithClock(e.clock),
		completion.WithIDGenerator(e.newLocalID),
		completion.OnExpire(e.expired),
		completion.WithSettledMemory(e.cfg.SettledMemory),
	)
	e.calls = e.newTable()
	return e
}

func (e *Engine) newTable() *correlation.Table {
	return correlation.NewTable(
		correlation.WithCapacity(e.cfg.OutboundCapacity),
		correlation.WithNow(e.clock.Now),
		correlation.WithEvictHook(func(r correlation.Record) {
			e.metrics.Evicted()
			e.log.WithField("id", r.ID).WithField("action", r.Action).
				Warnln("Outbound call evicted before its reply arrived")
		}),
	)
}

func (e *Engine) table() *correlation.Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calls
}

// ConnectionUp marks the transport as open.
func (e *Engine) ConnectionUp() {
	e.connected.Store(true)
	e.audit(DirectionInfo, []byte("websocket connected"))
	e.log.Infoln("Connected to central system")
	e.app.OnConnectionStatus(true, nil)
}

// ConnectionLost marks the transport as closed. Pending completions of the
// lost connection are cancelled and outbound expectations are discarded.
func (e *Engine) ConnectionLost(err error) {
	e.connected.Store(false)
	e.reset()
	e.audit(DirectionInfo, []byte("websocket closed"))
	e.log.WithError(err).Warnln("Disconnected from central system")
	e.app.OnConnectionStatus(false, err)
}

// Close cancels every pending deadline.
func (e *Engine) Close() {
	e.connected.Store(false)
	e.reset()
}

func (e *Engine) reset() {
	dropped := e.pending.CancelAll()
	for i := 0; i < dropped; i++ {
		e.metrics.Completion(metrics.OutcomeCancelled)
	}

	e.mu.Lock()
	e.calls = e.newTable()
	e.mu.Unlock()

	e.metrics.SetPending(0)
	e.metrics.SetOutbound(0)
	if dropped > 0 {
		e.log.WithField("dropped", dropped).Infoln("Cancelled pending inbound calls")
	}
}

// HandleInboundBytes processes one frame received from the transport.
// Undecodable frames are logged and dropped.
func (e *Engine) HandleInboundBytes(data []byte) {
	msg, err := frame.Decode(data)
	if err != nil {
		e.metrics.Malformed()
		e.audit(DirectionError, data)
		e.log.WithError(err).WithField("data", string(data)).Warnln("Dropping inbound frame")
		return
	}
	e.metrics.FrameReceived(frame.KindName(msg.Type))

	switch msg.Type {
	case frame.Call:
		e.audit(DirectionReceived, data)
		e.handleCall(msg)
	case frame.CallResult:
		e.audit(DirectionReplied, data)
		e.handleResult(msg)
	case frame.CallError:
		e.audit(DirectionError, data)
		e.handleResult(msg)
	}
}

func (e *Engine) handleCall(msg *frame.Message) {
	h := e.pending.Register(msg.ID, msg.Action, e.cfg.CompletionTimeout)
	e.metrics.SetPending(e.pending.Len())

	e.log.WithFields(logrus.Fields{
		"id":       msg.ID,
		"local_id": h.LocalID,
		"action":   msg.Action,
	}).Debugln("Inbound call")

	e.app.OnInboundCall(InboundCall{
		LocalID: h.LocalID,
		WireID:  msg.ID,
		Action:  msg.Action,
		Payload: msg.Payload,
	})
}

func (e *Engine) handleResult(msg *frame.Message) {
	calls := e.table()
	action, ok := calls.Resolve(msg.ID)
	e.metrics.SetOutbound(calls.Len())

	fields := logrus.Fields{"id": msg.ID, "action": action, "kind": frame.KindName(msg.Type)}
	if !ok {
		e.metrics.UnknownCorrelation()
		e.log.WithFields(fields).Warnln("Reply matches no outbound call")
	} else {
		e.log.WithFields(fields).Debugln("Inbound reply")
	}

	ev := InboundResult{
		Type:    msg.Type,
		WireID:  msg.ID,
		Action:  action,
		Payload: msg.Payload,
	}
	if msg.Type == frame.CallError {
		ev.Payload = msg.ErrorDetails
		ev.ErrorCode = msg.ErrorCode
		ev.ErrorDescription = msg.ErrorDescription
	}
	e.app.OnInboundResult(ev)
}

// CompleteInboundCall answers the inbound call identified by localID. On
// Delivered the CALLRESULT has been handed to the transport; AlreadySettled
// and Unknown send nothing. The error reports a transmit failure only.
func (e *Engine) CompleteInboundCall(localID string, payload json.RawMessage) (completion.Status, error) {
	p, status := e.pending.Complete(localID)
	e.metrics.Completion(status.String())
	if status != completion.Delivered {
		e.log.WithField("local_id", localID).WithField("status", status).
			Debugln("Completion ignored")
		return status, nil
	}
	e.metrics.SetPending(e.pending.Len())

	data, err := frame.Encode(&frame.Message{Type: frame.CallResult, ID: p.WireID, Payload: payload})
	if err != nil {
		return status, err
	}
	if err := e.write(frame.CallResult, DirectionReplied, data); err != nil {
		return status, fmt.Errorf("reply %s to %s: %w", p.Action, p.WireID, err)
	}
	return status, nil
}

// SendOutbound executes an application send request. CALL requests are
// validated before anything is recorded or written.
func (e *Engine) SendOutbound(req Request) (Receipt, error) {
	if !e.connected.Load() {
		return Receipt{}, ErrNotConnected
	}

	switch req.Type {
	case 0, frame.Call:
		return e.sendCall(req)
	case frame.CallResult:
		status, err := e.CompleteInboundCall(req.ID, req.Payload)
		return Receipt{ID: req.ID, Status: status}, err
	default:
		return Receipt{}, fmt.Errorf("%w: %d", ErrUnsupportedKind, int(req.Type))
	}
}

func (e *Engine) sendCall(req Request) (Receipt, error) {
	action := req.Action
	if action == "" {
		action = e.cfg.DefaultAction
	}
	if action == "" {
		return Receipt{}, ErrMissingAction
	}
	payload := req.Payload
	if absent(payload) {
		payload = e.cfg.DefaultPayload
	}
	if absent(payload) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrMissingPayload, action)
	}
	id := req.ID
	if id == "" {
		id = e.newWireID()
	}

	data, err := frame.Encode(&frame.Message{Type: frame.Call, ID: id, Action: action, Payload: payload})
	if err != nil {
		return Receipt{}, err
	}

	calls := e.table()
	if err := calls.RecordSent(id, action); err != nil {
		return Receipt{}, err
	}
	e.metrics.SetOutbound(calls.Len())

	if err := e.write(frame.Call, DirectionRequest, data); err != nil {
		calls.Forget(id)
		e.metrics.SetOutbound(calls.Len())
		return Receipt{}, fmt.Errorf("send %s: %w", action, err)
	}
	return Receipt{ID: id, Action: action, Status: completion.Delivered}, nil
}

// absent reports whether a payload is empty or JSON null.
func absent(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}

func (e *Engine) write(kind ocppj.MessageType, direction string, data []byte) error {
	e.sending.Lock()
	defer e.sending.Unlock()

	if err := e.out.Write(data); err != nil {
		return err
	}
	e.metrics.FrameSent(frame.KindName(kind))
	e.audit(direction, data)
	e.log.WithField("data", string(data)).Debugln("Frame sent")
	return nil
}

func (e *Engine) expired(p completion.Pending) {
	e.metrics.Completion(metrics.OutcomeExpired)
	e.metrics.SetPending(e.pending.Len())
	e.log.WithFields(logrus.Fields{
		"id":       p.WireID,
		"local_id": p.LocalID,
		"action":   p.Action,
	}).Warnln("Inbound call expired without a result")
}

func (e *Engine) audit(direction string, data []byte) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(direction, data); err != nil {
		e.log.WithError(err).Errorln("Error writing frame journal")
	}
}

// Pending lists the inbound calls waiting for a result.
func (e *Engine) Pending() []completion.Pending {
	return e.pending.Snapshot()
}

// Outstanding lists the outbound calls waiting for a reply.
func (e *Engine) Outstanding() []correlation.Record {
	return e.table().Snapshot()
}
