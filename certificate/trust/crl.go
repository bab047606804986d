package trust

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// CRLStatus is the revocation-check outcome for a certificate.
type CRLStatus string

const (
	CRLNotChecked CRLStatus = "NOT_CHECKED"
	CRLNotRevoked CRLStatus = "NOT_REVOKED"
	CRLRevoked    CRLStatus = "REVOKED"
	CRLError      CRLStatus = "ERROR"
)

// CRLSource locates the most recent CRL for a country.
type CRLSource interface {
	LatestCRLByCountry(ctx context.Context, countryCode string) (*x509.RevocationList, error)
}

// CRLResult reports a single revocation check.
type CRLResult struct {
	Status     CRLStatus
	Checked    bool
	Revoked    bool
	CRLExpired bool
	ThisUpdate time.Time
	NextUpdate time.Time
	Reason     string
	Message    string
}

// CRLChecker tests certificate serials against per-country CRLs.
type CRLChecker struct {
	Source CRLSource
	Now    func() time.Time
}

// NewCRLChecker returns a checker using wall-clock time.
func NewCRLChecker(source CRLSource) *CRLChecker {
	return &CRLChecker{Source: source, Now: time.Now}
}

// Check looks up the country's CRL and tests cert's serial for membership.
// An expired CRL (nextUpdate in the past) is still consulted; the verdict is
// reported with CRLExpired set so callers can treat it as informational.
func (c *CRLChecker) Check(ctx context.Context, cert *x509.Certificate, countryCode string) CRLResult {
	res := CRLResult{Status: CRLNotChecked}
	if cert == nil || countryCode == "" {
		res.Message = "nothing to check"
		return res
	}

	crl, err := c.Source.LatestCRLByCountry(ctx, countryCode)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			res.Message = fmt.Sprintf("no CRL stored for country %s", countryCode)
			return res
		}
		res.Status = CRLError
		res.Message = fmt.Sprintf("CRL lookup failed for country %s: %v", countryCode, err)
		return res
	}
	if crl == nil {
		res.Message = fmt.Sprintf("no CRL stored for country %s", countryCode)
		return res
	}

	res.Checked = true
	res.ThisUpdate = crl.ThisUpdate
	res.NextUpdate = crl.NextUpdate

	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
		res.CRLExpired = true
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			res.Status = CRLRevoked
			res.Revoked = true
			res.Reason = revocationReason(entry.ReasonCode)
			res.Message = fmt.Sprintf("certificate revoked (country %s, reason %s)", countryCode, res.Reason)
			return res
		}
	}

	res.Status = CRLNotRevoked
	res.Message = fmt.Sprintf("certificate not revoked (country %s)", countryCode)
	return res
}

// revocationReason maps RFC 5280 §5.3.1 CRLReason codes to their names.
func revocationReason(code int) string {
	switch code {
	case 0:
		return "unspecified"
	case 1:
		return "keyCompromise"
	case 2:
		return "cACompromise"
	case 3:
		return "affiliationChanged"
	case 4:
		return "superseded"
	case 5:
		return "cessationOfOperation"
	case 6:
		return "certificateHold"
	case 8:
		return "removeFromCRL"
	case 9:
		return "privilegeWithdrawn"
	case 10:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}
