// Package masterlist parses ICAO CMS SignedData bundles: the CSCA Master
// List distributed by ICAO and issuing states, and the Deviation List
// enumerating known-defective document certificates.
package masterlist

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
)

// MasterList is a parsed CMS master list.
type MasterList struct {
	// Signer is the MLSC taken from the SignerInfo, nil when the bundle
	// carries none.
	Signer *x509.Certificate
	// SignerDN is the signer subject in RFC 2253 form, "Unknown" without one.
	SignerDN string
	// Verified is true when the CMS signature checked out and the signer
	// chains to the configured trust anchor.
	Verified bool
	// CSCAs are the certificates enumerated in the eContent certList, plus
	// any non-signer certificates of the SignedData certificates field.
	CSCAs []*x509.Certificate
	// CountryCode derives from the signer DN; ICAO's own lists are UN.
	CountryCode string
	// Raw is the DER CMS blob as stored in LDAP.
	Raw []byte
}

// unwrapCMS strips an optional PEM armor ("CMS" or "PKCS7" block types).
func unwrapCMS(data []byte) []byte {
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "CMS", "PKCS7", "PKCS #7 SIGNED DATA":
			return block.Bytes
		}
	}
	return data
}

// Parse decodes a master list. anchor is the UN_CSCA trust anchor used for
// the store-only signer verification; nil skips verification and leaves
// Verified false.
func Parse(data []byte, anchor *x509.Certificate) (*MasterList, error) {
	der := unwrapCMS(data)

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "not CMS SignedData: %v", err)
	}

	ml := &MasterList{SignerDN: "Unknown", CountryCode: "UN", Raw: der}

	if signer := p7.GetOnlySigner(); signer != nil {
		ml.Signer = signer
		ml.SignerDN = signer.Subject.String()
		ml.CountryCode = certificate.CountryFromDN(ml.SignerDN)
	} else if len(p7.Certificates) > 0 {
		// multiple SignerInfos: take the first certificate as candidate
		ml.Signer = p7.Certificates[0]
		ml.SignerDN = ml.Signer.Subject.String()
		ml.CountryCode = certificate.CountryFromDN(ml.SignerDN)
	}

	if anchor != nil && ml.Signer != nil {
		// Store-only policy: CMS signature must verify and the signer must
		// be issued (or be) the anchor. Anchor expiry is not checked.
		if err := p7.Verify(); err == nil {
			ml.Verified = verifiedByAnchor(ml.Signer, anchor)
		}
	}

	cscas, err := parseCertList(p7.Content)
	if err != nil {
		return nil, err
	}
	ml.CSCAs = cscas

	// Some issuers put the CSCA set in SignedData.certificates instead of
	// (or in addition to) the eContent.
	seen := map[string]bool{}
	for _, c := range ml.CSCAs {
		seen[certificate.FingerprintSHA256(c.Raw)] = true
	}
	for _, c := range p7.Certificates {
		if ml.Signer != nil && certificate.FingerprintSHA256(c.Raw) == certificate.FingerprintSHA256(ml.Signer.Raw) {
			continue
		}
		if fp := certificate.FingerprintSHA256(c.Raw); !seen[fp] && c.IsCA {
			seen[fp] = true
			ml.CSCAs = append(ml.CSCAs, c)
		}
	}

	return ml, nil
}

func verifiedByAnchor(signer, anchor *x509.Certificate) bool {
	if certificate.FingerprintSHA256(signer.Raw) == certificate.FingerprintSHA256(anchor.Raw) {
		return true
	}
	return anchor.CheckSignature(signer.SignatureAlgorithm, signer.RawTBSCertificate, signer.Signature) == nil
}

// parseCertList walks the eContent:
//
//	MasterList ::= SEQUENCE { version INTEGER OPTIONAL, certList SET OF Certificate }
//
// Both the versioned and unversioned encodings occur in the wild. An empty
// eContent is acceptable (MLSC-only bundles).
func parseCertList(content []byte) ([]*x509.Certificate, error) {
	if len(content) == 0 {
		return nil, nil
	}

	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(content, &seq); err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "master list eContent: %v", err)
	}
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "master list eContent is not a SEQUENCE")
	}

	inner := seq.Bytes
	var elem asn1.RawValue
	rest, err := asn1.Unmarshal(inner, &elem)
	if err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "master list body: %v", err)
	}
	if elem.Tag == asn1.TagInteger && elem.Class == asn1.ClassUniversal {
		// version present, the SET follows
		if _, err := asn1.Unmarshal(rest, &elem); err != nil {
			return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "master list certList: %v", err)
		}
	}
	if elem.Tag != asn1.TagSet || elem.Class != asn1.ClassUniversal {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "master list certList is not a SET")
	}

	var certs []*x509.Certificate
	data := elem.Bytes
	for len(data) > 0 {
		var rv asn1.RawValue
		next, err := asn1.Unmarshal(data, &rv)
		if err != nil {
			return certs, errors.Wrapf(cerrdefs.ErrInvalidArgument, "certList element: %v", err)
		}
		data = next
		cert, err := x509.ParseCertificate(rv.FullBytes)
		if err != nil {
			// one undecodable element does not poison the list
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
