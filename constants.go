package main

const (
	EnergyKey = "meter_value__energy"

	heartbeatIntervalKey = "default_heartbeat_interval"
	securityProfileKey   = "SecurityProfile"
	authorizationKeyKey  = "AuthorizationKey"
	sampleIntervalKey    = "MeterValueSampleInterval"

	txIdKey          = "current_transaction_id"
	txConnectorIdKey = "current_transaction_connector_id"
	txIdTagKey       = "current_transaction_idTag"
	pendingIdTagKey  = "pending_transaction_idTag"
	pendingConnKey   = "pending_transaction_connector_id"
)

var (
	supportedConfigurationKeys = map[string]struct{}{
		"AuthorizeRemoteTxRequests":               {},
		"AuthorizationCacheEnabled":               {},
		"ClockAlignedDataInterval":                {},
		"ConnectionTimeOut":                       {},
		"ConnectorPhaseRotation":                  {},
		"GetConfigurationMaxKeys":                 {},
		"HeartbeatInterval":                       {},
		"LocalAuthorizeOffline":                   {},
		"LocalPreAuthorize":                       {},
		"MeterValuesAlignedData":                  {},
		"MeterValuesSampledData":                  {},
		"MeterValueSampleInterval":                {},
		"NumberOfConnectors":                      {},
		"ResetRetries":                            {},
		"StopTransactionOnEVSideDisconnect":       {},
		"StopTransactionOnInvalidId":              {},
		"StopTxnAlignedData":                      {},
		"StopTxnSampledData":                      {},
		"SupportedFeatureProfiles":                {},
		"TransactionMessageAttempts":              {},
		"TransactionMessageRetryInterval":         {},
		"UnlockConnectorOnEVSideDisconnect":       {},
		"WebSocketPingInterval":                   {},
		"LocalAuthListEnabled":                    {},
		"LocalAuthListMaxLength":                  {},
		"SendLocalListMaxLength":                  {},
		"ChargeProfileMaxStackLevel":              {},
		"ChargingScheduleAllowedChargingRateUnit": {},
		"ChargingScheduleMaxPeriods":              {},
		"MaxChargingProfilesInstalled":            {},
		"SupportedFileTransferProtocols":          {},
		"SecurityProfile":                         {},
		"CpoName":                                 {},
		"AdditionalRootCertificateCheck":          {},
		"CertificateStoreMaxLength":               {},
		"AuthorizationKey":                        {},
	}
)
