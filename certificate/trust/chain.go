// Package trust implements ICAO Doc 9303 trust-chain construction and
// revocation checking for PKD certificate material.
//
// The chain model is the Doc 9303 Part 12 "hybrid" one: signature
// verification along the chain is a hard requirement, per-certificate
// expiration is informational only. A passport outlives its DSC, so an
// expired-but-correctly-signed chain stays trustworthy (EXPIRED_VALID).
package trust

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/iland112/icao-local-pkd/certificate"
)

// Status is the validation outcome recorded for a certificate.
type Status string

const (
	StatusValid        Status = "VALID"
	StatusExpiredValid Status = "EXPIRED_VALID"
	StatusInvalid      Status = "INVALID"
	StatusPending      Status = "PENDING"
	StatusError        Status = "ERROR"
)

// DefaultMaxDepth bounds chain construction.
const DefaultMaxDepth = 5

// ReasonCSCANotFound tags PENDING results so the revalidator can find them
// once new CSCAs arrive.
const ReasonCSCANotFound = "CSCA_NOT_FOUND"

// CSCASource yields every stored CSCA whose subject DN matches. It must not
// deduplicate by DN: key rollover leaves several CSCAs sharing one subject,
// and the builder disambiguates them by signature verification.
type CSCASource interface {
	FindAllCSCAsBySubjectDN(ctx context.Context, subjectDN string) ([]*x509.Certificate, error)
}

// ChainResult describes one trust-chain construction attempt.
type ChainResult struct {
	Status            Status
	Valid             bool
	SignatureVerified bool
	CSCAFound         bool
	CSCASubjectDN     string
	CSCAFingerprint   string
	Path              string
	Depth             int
	LeafExpired       bool
	ChainExpired      bool
	NotYetValid       bool
	Reason            string
	Message           string
}

// Expired reports whether any element of the chain (leaf included) is past
// its notAfter.
func (r ChainResult) Expired() bool {
	return r.LeafExpired || r.ChainExpired
}

// ChainBuilder builds verifier-key-matched chains from a leaf up to a
// self-signed CSCA.
type ChainBuilder struct {
	Source   CSCASource
	MaxDepth int
	Now      func() time.Time
}

// NewChainBuilder returns a builder with the default depth bound.
func NewChainBuilder(source CSCASource) *ChainBuilder {
	return &ChainBuilder{Source: source, MaxDepth: DefaultMaxDepth, Now: time.Now}
}

func (b *ChainBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *ChainBuilder) maxDepth() int {
	if b.MaxDepth > 0 {
		return b.MaxDepth
	}
	return DefaultMaxDepth
}

// verifySignature checks that signer's public key verifies cert's signature.
// Deliberately key-only: no CA-flag or validity-window checks, those are
// policy concerns handled elsewhere.
func verifySignature(cert, signer *x509.Certificate) error {
	return signer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return certificate.EqualDN(cert.Subject.String(), cert.Issuer.String())
}

// Build walks from leaf towards a self-signed root.
//
// At every step all stored CSCAs whose subject equals the current issuer DN
// are candidates; the first one whose key actually verifies the current
// certificate's signature is chosen. Picking the first DN match instead
// breaks key-rollover fan-outs, so a DN-only match is only kept as fallback
// material for the error message of an INVALID result.
func (b *ChainBuilder) Build(ctx context.Context, leaf *x509.Certificate) ChainResult {
	res := ChainResult{Status: StatusError}
	if leaf == nil {
		res.Message = "leaf certificate is nil"
		return res
	}

	now := b.now()
	if leaf.NotBefore.After(now) {
		// Not-yet-valid is a hard failure, unlike expiration.
		res.Status = StatusInvalid
		res.NotYetValid = true
		res.Message = fmt.Sprintf("certificate not yet valid (notBefore %s)", leaf.NotBefore.UTC().Format(time.RFC3339))
		return res
	}
	res.LeafExpired = now.After(leaf.NotAfter)

	chain := []*x509.Certificate{leaf}
	visited := map[string]bool{}
	current := leaf

	for depth := 0; depth <= b.maxDepth(); depth++ {
		if isSelfSigned(current) {
			if err := verifySignature(current, current); err != nil {
				res.Status = StatusInvalid
				res.Message = fmt.Sprintf("root CSCA self-signature failed at depth %d: %v", depth, err)
				res.finish(chain, now)
				return res
			}
			res.Status = StatusValid
			res.Valid = true
			res.SignatureVerified = true
			res.CSCAFound = true
			res.CSCASubjectDN = current.Subject.String()
			res.CSCAFingerprint = certificate.FingerprintSHA256(current.Raw)
			res.finish(chain, now)
			if res.Expired() {
				res.Status = StatusExpiredValid
			}
			return res
		}

		issuerDN := current.Issuer.String()
		normIssuer := certificate.NormalizeDN(issuerDN)
		if visited[normIssuer] {
			res.Status = StatusInvalid
			res.Message = fmt.Sprintf("circular reference at depth %d (issuer %s)", depth, certificate.ShortCN(issuerDN))
			res.finish(chain, now)
			return res
		}
		visited[normIssuer] = true

		candidates, err := b.Source.FindAllCSCAsBySubjectDN(ctx, issuerDN)
		if err != nil {
			res.Status = StatusError
			res.Message = fmt.Sprintf("CSCA lookup failed at depth %d: %v", depth, err)
			return res
		}
		if len(candidates) == 0 {
			res.Status = StatusPending
			res.Reason = ReasonCSCANotFound
			res.Message = fmt.Sprintf("no CSCA found for issuer %s", truncateDN(issuerDN))
			res.finish(chain, now)
			return res
		}
		res.CSCAFound = true

		var issuer *x509.Certificate
		var fallback *x509.Certificate
		for _, cand := range candidates {
			if !certificate.EqualDN(cand.Subject.String(), issuerDN) {
				continue
			}
			if fallback == nil {
				fallback = cand
			}
			if verifySignature(current, cand) == nil {
				issuer = cand
				break
			}
		}

		if issuer == nil {
			res.Status = StatusInvalid
			res.Reason = "SIGNATURE_INVALID"
			if fallback != nil {
				res.Message = fmt.Sprintf("signature verification failed at depth %d: no key-matched CSCA among %d candidates for %s",
					depth, len(candidates), certificate.ShortCN(issuerDN))
			} else {
				res.Message = fmt.Sprintf("no CSCA subject matches issuer %s at depth %d", truncateDN(issuerDN), depth)
			}
			res.finish(chain, now)
			return res
		}

		chain = append(chain, issuer)
		current = issuer
	}

	res.Status = StatusInvalid
	res.Message = fmt.Sprintf("maximum chain depth exceeded (%d)", b.maxDepth())
	res.finish(chain, now)
	return res
}

// finish fills the path, depth and chain-expiration fields from the chain
// walked so far.
func (r *ChainResult) finish(chain []*x509.Certificate, now time.Time) {
	r.Depth = len(chain)
	labels := make([]string, 0, len(chain))
	labels = append(labels, "DSC")
	for _, c := range chain[1:] {
		labels = append(labels, certificate.ShortCN(c.Subject.String()))
		if now.After(c.NotAfter) {
			r.ChainExpired = true
		}
	}
	r.Path = strings.Join(labels, " → ")
}

func truncateDN(dn string) string {
	if len(dn) > 80 {
		return dn[:80]
	}
	return dn
}
