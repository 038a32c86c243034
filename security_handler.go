package main

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"

	"ocppj_cp/internal/dispatch"
)

// Certificate management messages of the OCPP 1.6 security extension. The
// ocpp-go 1.6 profiles do not ship them, so they are declared here in the same
// request/response shape.
const (
	installCertificateFeatureName         = "InstallCertificate"
	getInstalledCertificateIdsFeatureName = "GetInstalledCertificateIds"
	deleteCertificateFeatureName          = "DeleteCertificate"

	rootCertificateKey = "root_certificate"
)

type CertificateUse string

const (
	CentralSystemRootCertificate CertificateUse = "CentralSystemRootCertificate"
	ManufacturerRootCertificate  CertificateUse = "ManufacturerRootCertificate"
)

type CertificateHashData struct {
	HashAlgorithm  string `json:"hashAlgorithm"`
	IssuerNameHash string `json:"issuerNameHash"`
	IssuerKeyHash  string `json:"issuerKeyHash"`
	SerialNumber   string `json:"serialNumber"`
}

type CertificateStatus string

const (
	CertificateStatusAccepted CertificateStatus = "Accepted"
	CertificateStatusRejected CertificateStatus = "Rejected"
	CertificateStatusFailed   CertificateStatus = "Failed"
)

type InstallCertificateRequest struct {
	CertificateType CertificateUse `json:"certificateType"`
	Certificate     string         `json:"certificate"`
}

type InstallCertificateResponse struct {
	Status CertificateStatus `json:"status"`
}

func (r InstallCertificateRequest) GetFeatureName() string  { return installCertificateFeatureName }
func (r InstallCertificateResponse) GetFeatureName() string { return installCertificateFeatureName }

func NewInstallCertificateResponse(status CertificateStatus) *InstallCertificateResponse {
	return &InstallCertificateResponse{Status: status}
}

type GetInstalledCertificateStatus string

const (
	GetInstalledCertificateStatusAccepted GetInstalledCertificateStatus = "Accepted"
	GetInstalledCertificateStatusNotFound GetInstalledCertificateStatus = "NotFound"
)

type GetInstalledCertificateIdsRequest struct {
	CertificateType CertificateUse `json:"certificateType"`
}

type GetInstalledCertificateIdsResponse struct {
	Status              GetInstalledCertificateStatus `json:"status"`
	CertificateHashData []CertificateHashData         `json:"certificateHashData,omitempty"`
}

func (r GetInstalledCertificateIdsRequest) GetFeatureName() string {
	return getInstalledCertificateIdsFeatureName
}

func (r GetInstalledCertificateIdsResponse) GetFeatureName() string {
	return getInstalledCertificateIdsFeatureName
}

func NewGetInstalledCertificateIdsResponse(status GetInstalledCertificateStatus) *GetInstalledCertificateIdsResponse {
	return &GetInstalledCertificateIdsResponse{Status: status}
}

type DeleteCertificateStatus string

const (
	DeleteCertificateStatusAccepted DeleteCertificateStatus = "Accepted"
	DeleteCertificateStatusFailed   DeleteCertificateStatus = "Failed"
	DeleteCertificateStatusNotFound DeleteCertificateStatus = "NotFound"
)

type DeleteCertificateRequest struct {
	CertificateHashData CertificateHashData `json:"certificateHashData"`
}

type DeleteCertificateResponse struct {
	Status DeleteCertificateStatus `json:"status"`
}

func (r DeleteCertificateRequest) GetFeatureName() string  { return deleteCertificateFeatureName }
func (r DeleteCertificateResponse) GetFeatureName() string { return deleteCertificateFeatureName }

func NewDeleteCertificateResponse(status DeleteCertificateStatus) *DeleteCertificateResponse {
	return &DeleteCertificateResponse{Status: status}
}

// parseCertificate decodes the first PEM block as an x509 certificate.
func parseCertificate(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a PEM encoded certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// certificateHashData identifies a root certificate. Roots are self-signed, so
// the issuer key is the certificate's own key.
func certificateHashData(cert *x509.Certificate) CertificateHashData {
	nameHash := sha256.Sum256(cert.RawIssuer)
	keyHash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return CertificateHashData{
		HashAlgorithm:  "SHA256",
		IssuerNameHash: hex.EncodeToString(nameHash[:]),
		IssuerKeyHash:  hex.EncodeToString(keyHash[:]),
		SerialNumber:   cert.SerialNumber.Text(16),
	}
}

func (cp *ChargePoint) installedRoot() (*x509.Certificate, error) {
	data, err := cp.db.Get(rootCertificateKey)
	if err != nil || data == "" {
		return nil, err
	}
	return parseCertificate(data)
}

func (cp *ChargePoint) OnInstallCertificate(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request InstallCertificateRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("InstallCertificate")
	rejected := dispatch.Reply(NewInstallCertificateResponse(CertificateStatusRejected))

	if request.CertificateType != CentralSystemRootCertificate {
		cp.log.Println("Charge point does not support", request.CertificateType, "installation")
		return rejected
	}
	if _, err := parseCertificate(request.Certificate); err != nil {
		cp.log.WithError(err).Println("Certificate rejected")
		return rejected
	}

	current, err := cp.db.Get(rootCertificateKey)
	if err != nil {
		return dispatch.Fail(err)
	}
	if current != "" && cp.db.MustGetInt("CertificateStoreMaxLength") <= 1 {
		cp.log.Println("no more space to install more certificates")
		return rejected
	}
	if err := cp.db.Set(rootCertificateKey, request.Certificate); err != nil {
		cp.log.WithError(err).Errorf("failed to install certificate")
		return dispatch.Reply(NewInstallCertificateResponse(CertificateStatusFailed))
	}
	return dispatch.Reply(NewInstallCertificateResponse(CertificateStatusAccepted))
}

func (cp *ChargePoint) OnGetInstalledCertificateIds(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request GetInstalledCertificateIdsRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("GetInstalledCertificateIds", request.CertificateType)

	notFound := dispatch.Reply(NewGetInstalledCertificateIdsResponse(GetInstalledCertificateStatusNotFound))
	if request.CertificateType != CentralSystemRootCertificate {
		return notFound
	}
	cert, err := cp.installedRoot()
	if err != nil {
		cp.log.WithError(err).Errorln("Error reading installed certificate")
		return notFound
	}
	if cert == nil {
		return notFound
	}
	response := NewGetInstalledCertificateIdsResponse(GetInstalledCertificateStatusAccepted)
	response.CertificateHashData = []CertificateHashData{certificateHashData(cert)}
	return dispatch.Reply(response)
}

func (cp *ChargePoint) OnDeleteCertificate(_ context.Context, req *dispatch.Request) *dispatch.Response {
	var request DeleteCertificateRequest
	if err := req.Bind(&request); err != nil {
		return dispatch.Fail(err)
	}
	cp.log.Println("DeleteCertificate", request.CertificateHashData.SerialNumber)

	cert, err := cp.installedRoot()
	if err != nil {
		cp.log.WithError(err).Errorln("Error reading installed certificate")
		return dispatch.Reply(NewDeleteCertificateResponse(DeleteCertificateStatusFailed))
	}
	if cert == nil || !strings.EqualFold(certificateHashData(cert).SerialNumber, request.CertificateHashData.SerialNumber) {
		return dispatch.Reply(NewDeleteCertificateResponse(DeleteCertificateStatusNotFound))
	}
	if err := cp.db.Delete(rootCertificateKey); err != nil {
		return dispatch.Reply(NewDeleteCertificateResponse(DeleteCertificateStatusFailed))
	}
	return dispatch.Reply(NewDeleteCertificateResponse(DeleteCertificateStatusAccepted))
}

// rootCertPool is the system pool plus the installed central system root.
func (cp *ChargePoint) rootCertPool() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}
	cert, err := cp.installedRoot()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		pool.AddCert(cert)
	}
	return pool, nil
}
