package masterlist

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
)

// DeviationEntry identifies one defective certificate and the defect.
type DeviationEntry struct {
	CertIssuerDN      string
	CertSerial        string // uppercase hex
	DefectOID         string
	DefectDescription string
}

// DeviationList is a parsed CMS deviation list.
type DeviationList struct {
	Signer      *x509.Certificate
	SignerDN    string
	Verified    bool
	Version     int
	CountryCode string
	Entries     []DeviationEntry
	Raw         []byte
}

// ParseDeviationList decodes an ICAO deviation list. The CMS handling
// mirrors Parse; the eContent walk extracts
//
//	DeviationList ::= SEQUENCE {
//	    version        INTEGER,
//	    hashAlgorithm  AlgorithmIdentifier,
//	    deviations     SET OF SignerDeviation }
//
//	SignerDeviation ::= SEQUENCE {
//	    signerIdentifier  SEQUENCE { [1] IssuerAndSerialNumber },
//	    defects           SET OF Defect }
//
//	Defect ::= SEQUENCE { description PrintableString OPTIONAL,
//	    defectType OBJECT IDENTIFIER, parameters [0] ANY OPTIONAL }
func ParseDeviationList(data []byte, anchor *x509.Certificate) (*DeviationList, error) {
	der := unwrapCMS(data)

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "not CMS SignedData: %v", err)
	}

	dl := &DeviationList{SignerDN: "Unknown", CountryCode: "XX", Raw: der}
	if signer := p7.GetOnlySigner(); signer != nil {
		dl.Signer = signer
		dl.SignerDN = signer.Subject.String()
		dl.CountryCode = certificate.CountryFromDN(dl.SignerDN)
	}
	if anchor != nil && dl.Signer != nil {
		if err := p7.Verify(); err == nil {
			dl.Verified = verifiedByAnchor(dl.Signer, anchor)
		}
	}

	if err := dl.parseContent(p7.Content); err != nil {
		return nil, err
	}
	return dl, nil
}

func (dl *DeviationList) parseContent(content []byte) error {
	if len(content) == 0 {
		return nil
	}

	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(content, &seq); err != nil || seq.Tag != asn1.TagSequence {
		return errors.Wrap(cerrdefs.ErrInvalidArgument, "deviation list eContent is not a SEQUENCE")
	}

	inner := seq.Bytes

	var version int
	rest, err := asn1.Unmarshal(inner, &version)
	if err == nil {
		dl.Version = version
		inner = rest
	}

	// hashAlgorithm AlgorithmIdentifier (skipped)
	var algo asn1.RawValue
	if rest, err := asn1.Unmarshal(inner, &algo); err == nil && algo.Tag == asn1.TagSequence {
		inner = rest
	}

	var set asn1.RawValue
	if _, err := asn1.Unmarshal(inner, &set); err != nil || set.Tag != asn1.TagSet {
		return errors.Wrap(cerrdefs.ErrInvalidArgument, "deviation list has no deviations SET")
	}

	data := set.Bytes
	for len(data) > 0 {
		var sd asn1.RawValue
		next, err := asn1.Unmarshal(data, &sd)
		if err != nil {
			break
		}
		data = next
		if sd.Tag != asn1.TagSequence {
			continue
		}
		dl.parseSignerDeviation(sd.Bytes)
	}
	return nil
}

func (dl *DeviationList) parseSignerDeviation(data []byte) {
	var ident asn1.RawValue
	rest, err := asn1.Unmarshal(data, &ident)
	if err != nil || ident.Tag != asn1.TagSequence {
		return
	}

	issuerDN, serial := parseCertIdentifier(ident.Bytes)

	var defects asn1.RawValue
	if _, err := asn1.Unmarshal(rest, &defects); err != nil || defects.Tag != asn1.TagSet {
		return
	}

	d := defects.Bytes
	for len(d) > 0 {
		var defect asn1.RawValue
		next, err := asn1.Unmarshal(d, &defect)
		if err != nil {
			return
		}
		d = next
		if defect.Tag != asn1.TagSequence {
			continue
		}
		entry := DeviationEntry{CertIssuerDN: issuerDN, CertSerial: serial}
		parseDefect(defect.Bytes, &entry)
		if entry.DefectOID != "" || entry.DefectDescription != "" {
			dl.Entries = append(dl.Entries, entry)
		}
	}
}

// parseCertIdentifier handles the [1]-tagged IssuerAndSerialNumber inside
// the signerIdentifier SEQUENCE.
func parseCertIdentifier(data []byte) (issuerDN, serial string) {
	cur := data
	for len(cur) > 0 {
		var rv asn1.RawValue
		next, err := asn1.Unmarshal(cur, &rv)
		if err != nil {
			return
		}
		cur = next
		if rv.Class != asn1.ClassContextSpecific || rv.Tag != 1 {
			continue
		}

		// IssuerAndSerialNumber ::= SEQUENCE { issuer Name, serialNumber INTEGER }
		body := rv.Bytes
		var name asn1.RawValue
		rest, err := asn1.Unmarshal(body, &name)
		if err != nil || name.Tag != asn1.TagSequence {
			return
		}
		var rdns pkix.RDNSequence
		if _, err := asn1.Unmarshal(name.FullBytes, &rdns); err == nil {
			var n pkix.Name
			n.FillFromRDNSequence(&rdns)
			issuerDN = n.String()
		}
		var sn *big.Int
		if _, err := asn1.Unmarshal(rest, &sn); err == nil && sn != nil {
			serial = strings.ToUpper(sn.Text(16))
		}
		return
	}
	return
}

func parseDefect(data []byte, entry *DeviationEntry) {
	cur := data
	for len(cur) > 0 {
		var rv asn1.RawValue
		next, err := asn1.Unmarshal(cur, &rv)
		if err != nil {
			return
		}
		cur = next
		if rv.Class != asn1.ClassUniversal {
			continue // parameters [0] etc.
		}
		switch rv.Tag {
		case asn1.TagPrintableString, asn1.TagUTF8String, asn1.TagIA5String:
			entry.DefectDescription = string(rv.Bytes)
		case asn1.TagOID:
			var oid asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(rv.FullBytes, &oid); err == nil {
				entry.DefectOID = oid.String()
			}
		}
	}
}
