package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"ocppj_cp/internal/config"
	"ocppj_cp/internal/dispatch"
)

var rebootDelay = 1500 * time.Millisecond

func (cp *ChargePoint) OnChangeConfiguration(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.ChangeConfigurationRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	key := request.Key
	value := request.Value
	cp.log.Println("OnChangeConfiguration", key)
	if _, ok := supportedConfigurationKeys[key]; !ok {
		return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusNotSupported))
	}

	requiresReboot := false

	switch key {
	case securityProfileKey:
		if err := cp.checkSecurityProfile(value); err != nil {
			cp.log.WithError(err).
				WithField("key", key).
				WithField("value", value).
				Error("Error updating configuration")
			return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected))
		}
		requiresReboot = true
	case "HeartbeatInterval":
		if _, err := strconv.Atoi(value); err != nil {
			return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected))
		}
		if err := cp.db.Set(heartbeatIntervalKey, value); err != nil {
			return dispatch.Fail(err)
		}
	}

	if err := cp.db.Set(key, value); err != nil {
		cp.log.WithError(err).
			WithField("key", key).
			WithField("value", value).
			Error("Error updating configuration")
		return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected))
	}

	if requiresReboot {
		cp.log.Info("Security profile change requires reboot")

		go func() {
			time.Sleep(rebootDelay)
			if err := cp.Reboot(context.Background()); err != nil {
				cp.log.WithError(err).Error("Error rebooting charger")
			}
		}()
		return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRebootRequired))
	}

	return dispatch.Reply(core.NewChangeConfigurationConfirmation(core.ConfigurationStatusAccepted))
}

func (cp *ChargePoint) checkSecurityProfile(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if v < cp.db.MustGetInt(securityProfileKey) {
		return errors.New("cannot set a lower security profile")
	}
	if v > config.BasicSecurityWithTLSProfile {
		return errors.New("security profile not supported")
	}
	if v >= config.BasicSecurityProfile {
		password, err := cp.db.Get(authorizationKeyKey)
		if err != nil {
			return err
		}
		if password == "" && cp.cfg.ChargePoint.Password == "" {
			return errors.New("not all security profile keys are set")
		}
	}
	return nil
}

func (cp *ChargePoint) OnGetConfiguration(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request core.GetConfigurationRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	keys := request.Key
	cp.log.Println("OnGetConfiguration", keys)
	if len(keys) == 0 {
		for key := range supportedConfigurationKeys {
			keys = append(keys, key)
		}
	}

	unknownKeys := make([]string, 0)
	cKeys := []core.ConfigurationKey{}
	for _, key := range keys {
		if _, ok := supportedConfigurationKeys[key]; !ok {
			unknownKeys = append(unknownKeys, key)
			continue
		}
		// write only
		if key == authorizationKeyKey {
			continue
		}
		value, err := cp.db.Get(key)
		if err != nil {
			cp.log.WithError(err).Error("Error getting configuration")
			return dispatch.Fail(err)
		}
		if value == "" {
			if len(request.Key) > 0 {
				unknownKeys = append(unknownKeys, key)
			}
			continue
		}
		cKeys = append(cKeys, core.ConfigurationKey{
			Key:   key,
			Value: &value,
		})
	}
	return dispatch.Reply(&core.GetConfigurationConfirmation{UnknownKey: unknownKeys, ConfigurationKey: cKeys})
}
