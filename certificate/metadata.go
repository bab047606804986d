package certificate

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Metadata is the flattened view of an X.509 certificate used by the
// pipeline, the UI inspection endpoints and the Doc 9303 checklist.
type Metadata struct {
	Version            int      `json:"version"`
	SignatureAlgOID    string   `json:"signatureAlgorithmOid"`
	SignatureAlg       string   `json:"signatureAlgorithm"`
	SignatureHashAlg   string   `json:"signatureHashAlgorithm"`
	PublicKeyAlg       string   `json:"publicKeyAlgorithm"`
	PublicKeyBits      int      `json:"publicKeyBits"`
	PublicKeyCurve     string   `json:"publicKeyCurve,omitempty"`
	SubjectDN          string   `json:"subjectDn"`
	IssuerDN           string   `json:"issuerDn"`
	SerialNumber       string   `json:"serialNumber"`
	NotBefore          string   `json:"notBefore"`
	NotAfter           string   `json:"notAfter"`
	FingerprintSHA1    string   `json:"fingerprintSha1"`
	FingerprintSHA256  string   `json:"fingerprintSha256"`
	IsCA               bool     `json:"isCa"`
	MaxPathLen         int      `json:"maxPathLen"`
	MaxPathLenZero     bool     `json:"maxPathLenZero"`
	KeyUsage           []string `json:"keyUsage"`
	ExtKeyUsageOIDs    []string `json:"extKeyUsageOids"`
	SubjectKeyID       string   `json:"subjectKeyId,omitempty"`
	AuthorityKeyID     string   `json:"authorityKeyId,omitempty"`
	CRLDistributionPts []string `json:"crlDistributionPoints,omitempty"`
	OCSPServers        []string `json:"ocspServers,omitempty"`
	IsSelfSigned       bool     `json:"isSelfSigned"`
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "nonRepudiation"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

// ExtractMetadata flattens a parsed certificate. It never fails: a parsed
// *x509.Certificate always yields metadata.
func ExtractMetadata(cert *x509.Certificate) *Metadata {
	sha1sum := sha1.Sum(cert.Raw)
	sha256sum := sha256.Sum256(cert.Raw)

	m := &Metadata{
		Version:           cert.Version,
		SignatureAlgOID:   signatureAlgOID(cert),
		SignatureAlg:      cert.SignatureAlgorithm.String(),
		SignatureHashAlg:  signatureHashName(cert.SignatureAlgorithm),
		SubjectDN:         cert.Subject.String(),
		IssuerDN:          cert.Issuer.String(),
		SerialNumber:      strings.ToUpper(cert.SerialNumber.Text(16)),
		NotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSHA1:   hex.EncodeToString(sha1sum[:]),
		FingerprintSHA256: hex.EncodeToString(sha256sum[:]),
		IsCA:              cert.IsCA,
		MaxPathLen:        cert.MaxPathLen,
		MaxPathLenZero:    cert.MaxPathLenZero,
		SubjectKeyID:      hex.EncodeToString(cert.SubjectKeyId),
		AuthorityKeyID:    hex.EncodeToString(cert.AuthorityKeyId),
		CRLDistributionPts: append([]string(nil),
			cert.CRLDistributionPoints...),
		OCSPServers:  append([]string(nil), cert.OCSPServer...),
		IsSelfSigned: EqualDN(cert.Subject.String(), cert.Issuer.String()),
	}

	for _, ku := range keyUsageNames {
		if cert.KeyUsage&ku.bit != 0 {
			m.KeyUsage = append(m.KeyUsage, ku.name)
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		m.ExtKeyUsageOIDs = append(m.ExtKeyUsageOIDs, oid.String())
	}
	for _, eku := range cert.ExtKeyUsage {
		if oid, ok := extKeyUsageOID(eku); ok {
			m.ExtKeyUsageOIDs = append(m.ExtKeyUsageOIDs, oid)
		}
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		m.PublicKeyAlg = "RSA"
		m.PublicKeyBits = pub.N.BitLen()
	case *ecdsa.PublicKey:
		m.PublicKeyAlg = "ECDSA"
		m.PublicKeyBits = pub.Curve.Params().BitSize
		m.PublicKeyCurve = pub.Curve.Params().Name
	case ed25519.PublicKey:
		m.PublicKeyAlg = "Ed25519"
		m.PublicKeyBits = 256
	default:
		m.PublicKeyAlg = cert.PublicKeyAlgorithm.String()
	}

	return m
}

func signatureAlgOID(cert *x509.Certificate) string {
	var algo struct {
		TBS  asn1.RawValue
		Alg  struct{ Algorithm asn1.ObjectIdentifier }
		Rest asn1.RawValue `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(cert.Raw, &algo); err == nil {
		return algo.Alg.Algorithm.String()
	}
	return ""
}

func signatureHashName(alg x509.SignatureAlgorithm) string {
	s := alg.String()
	for _, h := range []string{"SHA512", "SHA384", "SHA256", "SHA1", "MD5"} {
		if strings.Contains(s, h) {
			return h
		}
	}
	return ""
}

func extKeyUsageOID(eku x509.ExtKeyUsage) (string, bool) {
	switch eku {
	case x509.ExtKeyUsageServerAuth:
		return "1.3.6.1.5.5.7.3.1", true
	case x509.ExtKeyUsageClientAuth:
		return "1.3.6.1.5.5.7.3.2", true
	case x509.ExtKeyUsageCodeSigning:
		return "1.3.6.1.5.5.7.3.3", true
	case x509.ExtKeyUsageEmailProtection:
		return "1.3.6.1.5.5.7.3.4", true
	case x509.ExtKeyUsageTimeStamping:
		return "1.3.6.1.5.5.7.3.8", true
	case x509.ExtKeyUsageOCSPSigning:
		return "1.3.6.1.5.5.7.3.9", true
	case x509.ExtKeyUsageAny:
		return "2.5.29.37.0", true
	}
	return "", false
}

// FingerprintSHA256 is the canonical identity of a certificate: lowercase
// hex of the SHA-256 over the DER encoding.
func FingerprintSHA256(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// SerialHex renders a certificate serial as uppercase hex, the format used
// in LDAP sn attributes and CRL comparisons.
func SerialHex(cert *x509.Certificate) string {
	return strings.ToUpper(cert.SerialNumber.Text(16))
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s (serial %s, %s)", m.SubjectDN, m.SerialNumber, m.FingerprintSHA256[:16])
}
