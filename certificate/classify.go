package certificate

import (
	"crypto/x509"
	"strings"
)

// Type enumerates the ICAO Doc 9303 certificate kinds handled by the PKD.
type Type string

const (
	TypeCSCA     Type = "CSCA"
	TypeLinkCert Type = "LINK_CERT"
	TypeDSC      Type = "DSC"
	TypeDSCNC    Type = "DSC_NC"
	TypeMLSC     Type = "MLSC"
	TypeUnknown  Type = "UNKNOWN"
)

// ICAO MRTD security extended key usage OIDs (Doc 9303 Part 12).
const (
	oidMasterListSigner    = "2.23.136.1.1.9"
	oidDeviationListSigner = "2.23.136.1.1.10"
)

// StorageType maps a classified type onto the cert_type column value. Link
// certificates are persisted as CSCA; the LDAP layer distinguishes them by
// the self-signed flag.
func (t Type) StorageType() Type {
	if t == TypeLinkCert {
		return TypeCSCA
	}
	return t
}

// LDAPOrganization returns the o= RDN the type is filed under in the DIT.
func (t Type) LDAPOrganization() string {
	switch t {
	case TypeCSCA:
		return "csca"
	case TypeLinkCert:
		return "lc"
	case TypeMLSC:
		return "mlsc"
	default:
		return "dsc"
	}
}

// Classify decides the ICAO certificate type of cert. ldifPath is the DN of
// the LDIF entry the certificate arrived in; it may be empty for file
// uploads. The function is pure: equal inputs yield equal outputs.
//
// Precedence: the nc-data path hint marks non-conformant DSCs regardless of
// content; the master-list-signer EKU marks MLSCs; CA certificates with
// keyCertSign split into CSCA (self-signed) and link certificate
// (cross-signed); everything else is a DSC.
func Classify(cert *x509.Certificate, ldifPath string) Type {
	if cert == nil {
		return TypeUnknown
	}

	if strings.Contains(strings.ToLower(ldifPath), "dc=nc-data") {
		return TypeDSCNC
	}

	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.String() == oidMasterListSigner {
			return TypeMLSC
		}
	}

	selfSigned := EqualDN(cert.Subject.String(), cert.Issuer.String())
	hasKeyCertSign := cert.KeyUsage&x509.KeyUsageCertSign != 0

	if cert.IsCA && hasKeyCertSign {
		if selfSigned {
			return TypeCSCA
		}
		return TypeLinkCert
	}

	return TypeDSC
}
