package certificate

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"

	"github.com/cloudflare/cfssl/helpers"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"
)

// ErrParse wraps byte-level decode failures. Callers recover per entry and
// continue with the next one.
var ErrParse = cerrdefs.ErrInvalidArgument

// ParseAny decodes certificate bytes in whatever encoding they arrive in:
// PEM first, then CMS/PKCS#7 SignedData, then raw DER. The first encoding
// that yields at least one certificate wins.
func ParseAny(data []byte) ([]*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrParse, "empty certificate data")
	}

	if bytes.Contains(data, []byte("-----BEGIN")) {
		certs, err := helpers.ParseCertificatesPEM(data)
		if err == nil && len(certs) > 0 {
			return certs, nil
		}
	}

	if p7, err := pkcs7.Parse(data); err == nil && len(p7.Certificates) > 0 {
		return p7.Certificates, nil
	}

	certs, err := x509.ParseCertificates(data)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "not PEM, CMS or DER: %v", err)
	}
	return certs, nil
}

// ParseOne decodes a single certificate, failing when the input holds none.
func ParseOne(data []byte) (*x509.Certificate, error) {
	certs, err := ParseAny(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ParseCRL decodes a certificate revocation list from DER or PEM
// ("X509 CRL" block) bytes.
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "parse CRL: %v", err)
	}
	return crl, nil
}

// DERToPEM wraps DER certificate bytes in a CERTIFICATE PEM block.
func DERToPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// PEMToDER extracts DER bytes from the first PEM block, passing raw DER
// input through untouched.
func PEMToDER(data []byte) []byte {
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes
	}
	return data
}
