package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

func (cp *ChargePoint) bootNotification() error {
	request := core.NewBootNotificationRequest(faker.LastName(), faker.FirstName())
	request.ChargePointSerialNumber = faker.CCNumber()
	request.MeterSerialNumber = faker.CCNumber()
	request.MeterType = faker.CCNumber()
	request.Iccid = faker.CCNumber()
	request.FirmwareVersion = "v" + appVersion

	id, err := cp.send(request)
	if err != nil {
		return err
	}
	cp.log.WithField("id", id).Infoln("BootNotification sent")
	return nil
}

func (cp *ChargePoint) onBootNotificationResult(payload json.RawMessage) error {
	var result core.BootNotificationConfirmation
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	if result.Status != core.RegistrationStatusAccepted {
		cp.log.Println("BootNotification rejected", result.Status)
	}
	if result.Interval > 0 {
		if err := cp.db.Set(heartbeatIntervalKey, strconv.Itoa(result.Interval)); err != nil {
			return err
		}
	}
	return cp.statusNotification(core.ChargePointStatusAvailable, 0)
}

func (cp *ChargePoint) statusNotification(s core.ChargePointStatus, connectorId int) error {
	if connectorId == 0 {
		connectorId = cp.currentTxConnectorId()
	}
	request := core.NewStatusNotificationRequest(connectorId, core.NoError, s)
	request.Info = faker.MonthName()
	request.VendorId = "vendor_" + faker.CCNumber()
	request.Timestamp = types.NewDateTime(time.Now())
	_, err := cp.send(request)
	return err
}

func (cp *ChargePoint) heartbeatLoop(stopC chan struct{}) {
	for {
		interval := cp.db.MustGetInt(heartbeatIntervalKey)
		if interval <= 0 {
			interval = 300
		}

		select {
		case <-stopC:
			cp.log.Debugln("stop signal received in heartbeat")
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}

		if _, err := cp.send(core.NewHeartbeatRequest()); err != nil {
			cp.log.WithError(err).Debugln("Heartbeat error")
			continue
		}
		cp.log.Println("Heartbeat sent to central system")
	}
}

// RunRemoteScenario reports the energy meter of the running transaction until
// it stops.
func (cp *ChargePoint) RunRemoteScenario(stopC chan struct{}) {
	cp.log.Info("Starting/Resuming remote charging scenario")
	if err := cp.statusNotification(core.ChargePointStatusCharging, 0); err != nil {
		cp.log.WithError(err).Errorln("StatusNotification")
	}

	for {
		interval := cp.db.MustGetInt(sampleIntervalKey)
		if interval <= 0 {
			interval = 60
		}
		select {
		case <-stopC:
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}

		if !cp.isTxRunning() {
			return
		}
		if err := cp.db.Increment(EnergyKey, fakeNumber(200, 1000)); err != nil {
			cp.log.WithError(err).Errorln("Error updating energy meter")
			continue
		}
		energy := cp.db.MustGetInt(EnergyKey)
		if err := cp.sendMeterValues(energy); err != nil {
			cp.log.WithError(err).WithField("energy_meter_value", energy).Error("Error sending Energy meter value")
			continue
		}
		cp.log.WithField("energy_meter_value", energy).
			WithField("transaction_id", cp.currentTxId()).
			Info("Energy meter value sent")
	}
}

func (cp *ChargePoint) StopRemoteScenario() {
	if err := cp.statusNotification(core.ChargePointStatusFinishing, 0); err != nil {
		cp.log.WithError(err).Errorln("StatusNotification")
	}
	time.Sleep(1 * time.Second)
	if err := cp.statusNotification(core.ChargePointStatusAvailable, 0); err != nil {
		cp.log.WithError(err).Errorln("StatusNotification")
	}
}

func (cp *ChargePoint) sendMeterValues(energy int) error {
	request := core.NewMeterValuesRequest(cp.currentTxConnectorId(), []types.MeterValue{
		{
			Timestamp: types.NewDateTime(time.Now()),
			SampledValue: []types.SampledValue{{
				Value:     fmt.Sprintf("%d", energy),
				Format:    types.ValueFormatRaw,
				Context:   types.ReadingContextSamplePeriodic,
				Location:  types.LocationOutlet,
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			}},
		},
	})
	txId := cp.currentTxId()
	request.TransactionId = &txId
	_, err := cp.send(request)
	return err
}

func fakeNumber(min, max int) int {
	v, _ := faker.RandomInt(min, max, 1)
	if len(v) == 0 {
		return min
	}
	return v[0]
}
