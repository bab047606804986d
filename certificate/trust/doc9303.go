package trust

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/iland112/icao-local-pkd/certificate"
)

// ComplianceLevel grades a certificate against the Doc 9303 Part 12
// checklist. It is never a validation gate: a NON_CONFORMANT certificate
// still chains and stores normally.
type ComplianceLevel string

const (
	Conformant    ComplianceLevel = "CONFORMANT"
	Warning       ComplianceLevel = "WARNING"
	NonConformant ComplianceLevel = "NON_CONFORMANT"
)

// Violation is one checklist finding.
type Violation struct {
	Category string // keyUsage, algorithm, keySize, validityPeriod, dnFormat, extensions
	Tag      string
	Message  string
	Hard     bool // true drags the level to NON_CONFORMANT
}

// ComplianceResult aggregates the findings for one certificate.
type ComplianceResult struct {
	Level      ComplianceLevel
	Violations []Violation
}

// Tags returns the violation tags in order, the form persisted on the
// validation result row.
func (r ComplianceResult) Tags() []string {
	tags := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		tags[i] = v.Category + ":" + v.Tag
	}
	return tags
}

// CompliancePolicy carries the Doc 9303 tables. They are configuration, not
// algorithm: deployments tracking a newer Doc 9303 edition adjust the
// policy, not the code.
type CompliancePolicy struct {
	ApprovedSignatureAlgs map[x509.SignatureAlgorithm]bool
	DeprecatedSigAlgs     map[x509.SignatureAlgorithm]bool
	MinRSABits            int
	MinECDSABits          int
	RecommendedRSABits    map[certificate.Type]int
	MaxValidity           map[certificate.Type]time.Duration
}

const yearish = 365 * 24 * time.Hour

// DefaultCompliancePolicy reflects Doc 9303 Part 12 (eighth edition) for
// the certificate profiles the PKD carries.
func DefaultCompliancePolicy() *CompliancePolicy {
	return &CompliancePolicy{
		ApprovedSignatureAlgs: map[x509.SignatureAlgorithm]bool{
			x509.SHA256WithRSA:    true,
			x509.SHA384WithRSA:    true,
			x509.SHA512WithRSA:    true,
			x509.SHA256WithRSAPSS: true,
			x509.SHA384WithRSAPSS: true,
			x509.SHA512WithRSAPSS: true,
			x509.ECDSAWithSHA256:  true,
			x509.ECDSAWithSHA384:  true,
			x509.ECDSAWithSHA512:  true,
		},
		DeprecatedSigAlgs: map[x509.SignatureAlgorithm]bool{
			x509.SHA1WithRSA:   true,
			x509.ECDSAWithSHA1: true,
		},
		MinRSABits:   2048,
		MinECDSABits: 256,
		RecommendedRSABits: map[certificate.Type]int{
			certificate.TypeCSCA:     3072,
			certificate.TypeLinkCert: 3072,
		},
		MaxValidity: map[certificate.Type]time.Duration{
			certificate.TypeCSCA:     15 * yearish,
			certificate.TypeLinkCert: 15 * yearish,
			certificate.TypeDSC:      11 * yearish,
			certificate.TypeDSCNC:    11 * yearish,
			certificate.TypeMLSC:     5 * yearish,
		},
	}
}

// CheckCompliance runs the per-certificate checklist, independent of chain
// building.
func (p *CompliancePolicy) CheckCompliance(cert *x509.Certificate, certType certificate.Type) ComplianceResult {
	var res ComplianceResult
	res.Level = Conformant
	meta := certificate.ExtractMetadata(cert)

	add := func(category, tag, msg string, hard bool) {
		res.Violations = append(res.Violations, Violation{Category: category, Tag: tag, Message: msg, Hard: hard})
		if hard {
			res.Level = NonConformant
		} else if res.Level == Conformant {
			res.Level = Warning
		}
	}

	// algorithm
	switch {
	case p.DeprecatedSigAlgs[cert.SignatureAlgorithm]:
		add("algorithm", "deprecated", fmt.Sprintf("deprecated signature algorithm %s", cert.SignatureAlgorithm), true)
	case !p.ApprovedSignatureAlgs[cert.SignatureAlgorithm]:
		add("algorithm", "unapproved", fmt.Sprintf("signature algorithm %s not in approved set", cert.SignatureAlgorithm), true)
	}

	// keySize
	switch meta.PublicKeyAlg {
	case "RSA":
		if meta.PublicKeyBits < p.MinRSABits {
			add("keySize", fmt.Sprintf("rsa-%d", meta.PublicKeyBits),
				fmt.Sprintf("RSA key %d bits below minimum %d", meta.PublicKeyBits, p.MinRSABits), true)
		} else if rec := p.RecommendedRSABits[certType]; rec > 0 && meta.PublicKeyBits < rec {
			add("keySize", fmt.Sprintf("rsa-%d", meta.PublicKeyBits),
				fmt.Sprintf("RSA key %d bits below recommended %d for %s", meta.PublicKeyBits, rec, certType), false)
		}
	case "ECDSA":
		if meta.PublicKeyBits < p.MinECDSABits {
			add("keySize", fmt.Sprintf("ecdsa-%d", meta.PublicKeyBits),
				fmt.Sprintf("ECDSA key %d bits below minimum %d", meta.PublicKeyBits, p.MinECDSABits), true)
		}
	}

	// keyUsage
	if cert.KeyUsage == 0 {
		add("keyUsage", "missing", "keyUsage extension absent", false)
	} else {
		switch certType {
		case certificate.TypeCSCA, certificate.TypeLinkCert:
			if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
				add("keyUsage", "no-keyCertSign", "CA certificate without keyCertSign", true)
			}
			if cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
				add("keyUsage", "no-cRLSign", "CSCA without cRLSign", false)
			}
		case certificate.TypeDSC, certificate.TypeDSCNC:
			if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				add("keyUsage", "no-digitalSignature", "DSC without digitalSignature", true)
			}
			if cert.KeyUsage&x509.KeyUsageCertSign != 0 {
				add("keyUsage", "keyCertSign-on-dsc", "DSC carries keyCertSign", false)
			}
		}
	}

	// extensions
	switch certType {
	case certificate.TypeCSCA, certificate.TypeLinkCert:
		if !cert.IsCA {
			add("extensions", "no-basicConstraints-ca", "CA certificate without basicConstraints CA flag", true)
		}
		if len(cert.SubjectKeyId) == 0 {
			add("extensions", "no-ski", "subjectKeyIdentifier absent", false)
		}
	case certificate.TypeDSC, certificate.TypeDSCNC:
		if cert.IsCA {
			add("extensions", "basicConstraints-ca-on-dsc", "DSC with basicConstraints CA flag", true)
		}
		if len(cert.AuthorityKeyId) == 0 {
			add("extensions", "no-aki", "authorityKeyIdentifier absent", false)
		}
	}

	// validityPeriod
	if max := p.MaxValidity[certType]; max > 0 {
		if d := cert.NotAfter.Sub(cert.NotBefore); d > max {
			add("validityPeriod", "too-long",
				fmt.Sprintf("validity %s exceeds %s maximum %s", d.Round(time.Hour), certType, max), false)
		}
	}
	if cert.NotAfter.Before(cert.NotBefore) {
		add("validityPeriod", "inverted", "notAfter precedes notBefore", true)
	}

	// dnFormat
	subject := cert.Subject.String()
	if certificate.DNComponent(subject, "C") == "" {
		add("dnFormat", "no-country", "subject DN lacks a country component", false)
	}
	if certificate.DNComponent(subject, "CN") == "" && certificate.DNComponent(subject, "O") == "" {
		add("dnFormat", "no-cn", "subject DN lacks both CN and O", false)
	}

	return res
}
