package main

import (
	"context"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"

	"ocppj_cp/internal/dispatch"
)

const triggerMessageFeatureName = remotetrigger.TriggerMessageFeatureName

var triggerDelay = 500 * time.Millisecond

func (cp *ChargePoint) OnChangeAvailability(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.ChangeAvailabilityRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("OnChangeAvailability", request.ConnectorId, request.Type)
	return dispatch.Reply(core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusAccepted))
}

func (cp *ChargePoint) OnClearCache(_ context.Context, req *dispatch.Request) *dispatch.Response {
	cp.log.Println("OnClearCache", req.WireID)
	return dispatch.Reply(core.NewClearCacheConfirmation(core.ClearCacheStatusAccepted))
}

func (cp *ChargePoint) OnDataTransfer(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.DataTransferRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("OnDataTransfer", request.VendorId, request.MessageId, request.Data)
	confirmation := core.NewDataTransferConfirmation(core.DataTransferStatusAccepted)
	confirmation.Data = "someData"
	return dispatch.Reply(confirmation)
}

func (cp *ChargePoint) OnReset(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.ResetRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("OnReset", request.Type)
	return dispatch.Reply(core.NewResetConfirmation(core.ResetStatusAccepted))
}

func (cp *ChargePoint) OnTriggerMessage(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request remotetrigger.TriggerMessageRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("OnTriggerMessage", request.RequestedMessage)

	var trigger func() error
	switch string(request.RequestedMessage) {
	case core.BootNotificationFeatureName:
		trigger = cp.bootNotification
	case core.HeartbeatFeatureName:
		trigger = func() error {
			_, err := cp.send(core.NewHeartbeatRequest())
			return err
		}
	case core.StatusNotificationFeatureName:
		connectorId := 0
		if request.ConnectorId != nil {
			connectorId = *request.ConnectorId
		}
		trigger = func() error {
			status := core.ChargePointStatusAvailable
			if cp.isTxRunning() {
				status = core.ChargePointStatusCharging
			}
			return cp.statusNotification(status, connectorId)
		}
	default:
		return dispatch.Reply(remotetrigger.NewTriggerMessageConfirmation(remotetrigger.TriggerMessageStatusNotImplemented))
	}

	// the requested message must follow the confirmation
	go func() {
		time.Sleep(triggerDelay)
		if err := trigger(); err != nil {
			cp.log.WithError(err).Errorln("Error sending triggered message")
		}
	}()
	return dispatch.Reply(remotetrigger.NewTriggerMessageConfirmation(remotetrigger.TriggerMessageStatusAccepted))
}
