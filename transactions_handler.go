package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"ocppj_cp/internal/dispatch"
)

var unlockIdleTimeout = 2 * time.Minute

func (cp *ChargePoint) OnRemoteStartTransaction(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.RemoteStartTransactionRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	connectorId := request.ConnectorId
	if connectorId == nil {
		return dispatch.Reply(core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected))
	}

	if cp.isTxRunning() {
		cp.log.
			WithField("idTag", request.IdTag).
			WithField("connectorId", *connectorId).
			Println("Transaction already running")
		return dispatch.Reply(core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected))
	}

	cp.log.Infoln("Starting Transaction", request.IdTag, *connectorId)
	if err := cp.db.Set(pendingIdTagKey, request.IdTag); err != nil {
		return dispatch.Fail(err)
	}
	if err := cp.db.Set(pendingConnKey, strconv.Itoa(*connectorId)); err != nil {
		return dispatch.Fail(err)
	}

	start := core.NewStartTransactionRequest(*connectorId,
		request.IdTag,
		cp.db.MustGetInt(EnergyKey),
		types.NewDateTime(time.Now()))
	go func() {
		if _, err := cp.send(start); err != nil {
			cp.log.WithError(err).Errorln("StartTransaction")
		}
	}()

	return dispatch.Reply(core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted))
}

func (cp *ChargePoint) onStartTransactionResult(payload json.RawMessage) error {
	var conf core.StartTransactionConfirmation
	if err := json.Unmarshal(payload, &conf); err != nil {
		return err
	}
	idTag, _ := cp.db.Get(pendingIdTagKey)
	connectorId := cp.db.MustGetInt(pendingConnKey)
	if err := cp.db.Delete(pendingIdTagKey, pendingConnKey); err != nil {
		return err
	}

	if conf.IdTagInfo == nil || conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		cp.log.Println("Transaction won't start", conf.IdTagInfo)
		return nil
	}
	if err := cp.setTx(conf.TransactionId, connectorId, idTag); err != nil {
		return err
	}
	cp.log.Infoln("Transaction started", conf.IdTagInfo.Status, conf.TransactionId)

	go cp.RunRemoteScenario(cp.currentStopC())
	return nil
}

func (cp *ChargePoint) OnRemoteStopTransaction(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.RemoteStopTransactionRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Infoln("OnRemoteStopTransaction", request.TransactionId)

	if !cp.isTxRunning() || cp.currentTxId() != request.TransactionId {
		cp.log.Println("No transaction running")
		return dispatch.Reply(core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected))
	}

	stop := core.NewStopTransactionRequest(cp.db.MustGetInt(EnergyKey),
		types.NewDateTime(time.Now()), request.TransactionId)
	stop.Reason = core.ReasonRemote
	stop.IdTag = cp.currentTxIdTag()
	go func() {
		if _, err := cp.send(stop); err != nil {
			cp.log.WithError(err).Errorln("StopTransaction")
		}
	}()

	return dispatch.Reply(core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted))
}

func (cp *ChargePoint) onStopTransactionResult(payload json.RawMessage) error {
	var conf core.StopTransactionConfirmation
	if err := json.Unmarshal(payload, &conf); err != nil {
		return err
	}
	if conf.IdTagInfo != nil && conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		cp.log.Println("Transaction won't stop", cp.currentTxId(), conf.IdTagInfo.Status)
		return nil
	}
	txId := cp.currentTxId()
	if err := cp.resetCurrentTx(); err != nil {
		return err
	}
	cp.log.Infoln("Transaction stopped", txId)
	go cp.StopRemoteScenario()
	return nil
}

func (cp *ChargePoint) OnUnlockConnector(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.UnlockConnectorRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	connectorId := request.ConnectorId
	cp.log.Println("OnUnlockConnector", connectorId)

	go func() {
		if err := cp.db.Set(txConnectorIdKey, strconv.Itoa(connectorId)); err != nil {
			cp.log.WithError(err).Errorln("Error storing connector")
			return
		}
		if err := cp.statusNotification(core.ChargePointStatusPreparing, connectorId); err != nil {
			cp.log.WithError(err).Errorln("StatusNotification")
		}

		time.Sleep(unlockIdleTimeout)
		if !cp.isTxRunning() {
			_ = cp.db.Delete(txConnectorIdKey)
			if err := cp.statusNotification(core.ChargePointStatusAvailable, connectorId); err != nil {
				cp.log.WithError(err).Errorln("StatusNotification")
			}
		}
	}()
	return dispatch.Reply(core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlocked))
}

func (cp *ChargePoint) currentStopC() chan struct{} {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.stopC == nil {
		// not connected: a closed channel ends the scenario at once
		c := make(chan struct{})
		close(c)
		return c
	}
	return cp.stopC
}

func (cp *ChargePoint) isTxRunning() bool {
	ok, _ := cp.db.Exists(txIdKey)
	return ok
}

func (cp *ChargePoint) currentTxConnectorId() int {
	return cp.db.MustGetInt(txConnectorIdKey)
}

func (cp *ChargePoint) currentTxId() int {
	return cp.db.MustGetInt(txIdKey)
}

func (cp *ChargePoint) currentTxIdTag() string {
	tag, _ := cp.db.Get(txIdTagKey)
	return tag
}

func (cp *ChargePoint) setTx(id, connectorId int, idTag string) error {
	if err := cp.db.Set(txIdKey, strconv.Itoa(id)); err != nil {
		return err
	}
	if err := cp.db.Set(txConnectorIdKey, strconv.Itoa(connectorId)); err != nil {
		return err
	}
	return cp.db.Set(txIdTagKey, idTag)
}

func (cp *ChargePoint) resetCurrentTx() error {
	return cp.db.Delete(txIdKey, txConnectorIdKey, txIdTagKey, EnergyKey)
}
