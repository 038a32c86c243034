package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"

	"ocppj_cp/internal/config"
	"ocppj_cp/internal/dispatch"
	"ocppj_cp/internal/exchange"
	"ocppj_cp/internal/store"
	"ocppj_cp/internal/transport"
)

type wsClient interface {
	Start(ctx context.Context) error
	Stop()
	Write(data []byte) error
	IsConnected() bool
}

func newTransportClient(opts transport.Options, h transport.Handler) wsClient {
	return transport.NewClient(opts, h)
}

// ChargePoint is the application side of the exchange engine: it answers the
// central system's calls and drives boot, heartbeat and transactions.
type ChargePoint struct {
	cfg     *config.Config
	db      *store.Store
	journal *store.Journal
	engine  *exchange.Engine
	handle  dispatch.HandlerFunc
	actions []string
	log     *logrus.Entry

	newClient func(transport.Options, transport.Handler) wsClient

	mu     sync.Mutex
	client wsClient
	stopC  chan struct{}
	// booting is set while the boot sequence of the current connection runs
	booting bool
}

func NewChargePoint(cfg *config.Config, db *store.Store, log *logrus.Entry) *ChargePoint {
	cp := &ChargePoint{
		cfg:       cfg,
		db:        db,
		log:       log,
		newClient: newTransportClient,
	}

	router := dispatch.NewRouter()
	router.Handle(core.ChangeAvailabilityFeatureName, cp.OnChangeAvailability)
	router.Handle(core.ClearCacheFeatureName, cp.OnClearCache)
	router.Handle(core.DataTransferFeatureName, cp.OnDataTransfer)
	router.Handle(core.ResetFeatureName, cp.OnReset)
	router.Handle(core.GetConfigurationFeatureName, cp.OnGetConfiguration)
	router.Handle(core.ChangeConfigurationFeatureName, cp.OnChangeConfiguration)
	router.Handle(core.RemoteStartTransactionFeatureName, cp.OnRemoteStartTransaction)
	router.Handle(core.RemoteStopTransactionFeatureName, cp.OnRemoteStopTransaction)
	router.Handle(core.UnlockConnectorFeatureName, cp.OnUnlockConnector)
	router.Handle(triggerMessageFeatureName, cp.OnTriggerMessage)
	router.Handle(installCertificateFeatureName, cp.OnInstallCertificate)
	router.Handle(getInstalledCertificateIdsFeatureName, cp.OnGetInstalledCertificateIds)
	router.Handle(deleteCertificateFeatureName, cp.OnDeleteCertificate)

	cp.actions = router.Actions()
	cp.handle = dispatch.Chain(
		dispatch.Recover(),
		dispatch.Logging(log),
		dispatch.RateLimit(cfg.Dispatch.RateLimit, cfg.Dispatch.RateBurst),
		dispatch.Timeout(time.Duration(cfg.Dispatch.HandlerTimeout)),
	)(router.Serve)
	return cp
}

// Attach wires the engine the charge point sends through.
func (cp *ChargePoint) Attach(engine *exchange.Engine, journal *store.Journal) {
	cp.engine = engine
	cp.journal = journal
}

// Write hands a frame to the current connection.
func (cp *ChargePoint) Write(data []byte) error {
	cp.mu.Lock()
	client := cp.client
	cp.mu.Unlock()
	if client == nil {
		return transport.ErrNotConnected
	}
	return client.Write(data)
}

func (cp *ChargePoint) IsConnected() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.client != nil && cp.client.IsConnected()
}

// Start connects to the central system. The boot sequence runs once the
// connection is up.
func (cp *ChargePoint) Start(ctx context.Context) error {
	cp.mu.Lock()
	if cp.client != nil {
		cp.mu.Unlock()
		return errors.New("charge point already connected")
	}
	cp.mu.Unlock()

	opts, err := cp.transportOptions()
	if err != nil {
		return err
	}
	client := cp.newClient(opts, cp.engine)

	// set before Start so the boot sequence can write
	cp.mu.Lock()
	cp.client = client
	cp.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		cp.mu.Lock()
		cp.client = nil
		cp.mu.Unlock()
		return err
	}
	return nil
}

func (cp *ChargePoint) Stop() error {
	cp.mu.Lock()
	client := cp.client
	cp.client = nil
	cp.mu.Unlock()
	if client == nil {
		return errors.New("charge point not connected")
	}
	client.Stop()
	cp.closeStopC()
	return nil
}

func (cp *ChargePoint) Reboot(ctx context.Context) error {
	if err := cp.Stop(); err == nil {
		cp.log.Infoln("Charge Point stopped")
	}
	return cp.Start(ctx)
}

func (cp *ChargePoint) closeStopC() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.stopC != nil {
		close(cp.stopC)
		cp.stopC = nil
	}
	cp.booting = false
}

// transportOptions applies the security profile stored on the charge point.
func (cp *ChargePoint) transportOptions() (transport.Options, error) {
	opts := transport.Options{
		URL:              cp.cfg.Endpoint(),
		HandshakeTimeout: time.Duration(cp.cfg.ChargePoint.HandshakeTimeout),
		ReconnectMax:     time.Duration(cp.cfg.ChargePoint.ReconnectMax),
		Logger:           cp.log,
	}

	profile := cp.db.MustGetInt(securityProfileKey)
	password, err := cp.db.Get(authorizationKeyKey)
	if err != nil {
		return opts, err
	}
	if password == "" {
		password = cp.cfg.ChargePoint.Password
	}

	switch profile {
	case config.NoSecurityProfile:
	case config.BasicSecurityProfile:
		if password == "" {
			return opts, errors.New("password is not set for this profile")
		}
		opts.Username, opts.Password = cp.cfg.ChargePoint.ID, password
	case config.BasicSecurityWithTLSProfile:
		if !strings.HasPrefix(opts.URL, "wss://") {
			return opts, errors.New("central system url must be wss:// for this profile")
		}
		if password == "" {
			return opts, errors.New("password is not set for this profile")
		}
		certPool, err := cp.rootCertPool()
		if err != nil {
			return opts, err
		}
		opts.Username, opts.Password = cp.cfg.ChargePoint.ID, password
		opts.TLS = &tls.Config{
			RootCAs: certPool,
			// test central systems use self-signed certificates
			InsecureSkipVerify: true,
		}
	default:
		return opts, fmt.Errorf("security profile: %d not supported", profile)
	}
	return opts, nil
}

// send issues a CALL for an ocpp-go request type.
func (cp *ChargePoint) send(req ocpp.Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	receipt, err := cp.engine.SendOutbound(exchange.Request{
		Action:  req.GetFeatureName(),
		Payload: payload,
	})
	if err != nil {
		return "", err
	}
	return receipt.ID, nil
}

// OnInboundCall runs the handler chain off the read loop and completes the
// call with its response. Failed handlers leave the call to expire.
func (cp *ChargePoint) OnInboundCall(ev exchange.InboundCall) {
	go func() {
		req := &dispatch.Request{
			LocalID: ev.LocalID,
			WireID:  ev.WireID,
			Action:  ev.Action,
			Payload: ev.Payload,
		}
		resp := cp.handle(context.Background(), req)
		if resp == nil || resp.Err != nil {
			return
		}
		payload, err := resp.Encode()
		if err != nil {
			cp.log.WithError(err).WithField("action", ev.Action).Errorln("Error encoding result")
			return
		}
		status, err := cp.engine.CompleteInboundCall(ev.LocalID, payload)
		if err != nil {
			cp.log.WithError(err).WithField("action", ev.Action).Errorln("Error sending result")
			return
		}
		cp.log.WithField("action", ev.Action).WithField("status", status).Debugln("Call completed")
	}()
}

// OnInboundResult applies the replies the charge point keeps state for.
func (cp *ChargePoint) OnInboundResult(ev exchange.InboundResult) {
	logger := cp.log.WithField("action", ev.Action).WithField("id", ev.WireID)
	if ev.IsError() {
		logger.WithField("code", ev.ErrorCode).Warnln("Central system rejected call:", ev.ErrorDescription)
		return
	}

	var err error
	switch ev.Action {
	case core.BootNotificationFeatureName:
		err = cp.onBootNotificationResult(ev.Payload)
	case core.StartTransactionFeatureName:
		err = cp.onStartTransactionResult(ev.Payload)
	case core.StopTransactionFeatureName:
		err = cp.onStopTransactionResult(ev.Payload)
	default:
		logger.Debugln("Result", string(ev.Payload))
	}
	if err != nil {
		logger.WithError(err).Errorln("Error applying result")
	}
}

func (cp *ChargePoint) OnConnectionStatus(connected bool, err error) {
	if !connected {
		cp.closeStopC()
		return
	}

	cp.mu.Lock()
	if cp.booting {
		cp.mu.Unlock()
		return
	}
	cp.booting = true
	stopC := make(chan struct{})
	cp.stopC = stopC
	cp.mu.Unlock()

	go func() {
		if err := cp.bootNotification(); err != nil {
			cp.log.WithError(err).Errorln("BootNotification")
			return
		}
		cp.heartbeatLoop(stopC)
	}()
}
