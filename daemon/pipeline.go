package daemon

import (
	"context"
	"crypto/x509"
	"database/sql"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
	"github.com/iland112/icao-local-pkd/certificate/trust"
	"github.com/iland112/icao-local-pkd/daemon/events"
	"github.com/iland112/icao-local-pkd/ldapstore"
	"github.com/iland112/icao-local-pkd/masterlist"
	"github.com/iland112/icao-local-pkd/store"
)

// pipeline runs the per-entry validate-and-persist flow. One malformed
// entry never aborts the upload; errors are accounted on the counters and
// the loop continues.
type pipeline struct {
	certs       *store.CertificateRepo
	crls        *store.CRLRepo
	masterLists *store.MasterListRepo
	deviations  *store.DeviationListRepo
	validations *store.ValidationRepo

	dir      *ldapstore.Store
	chains   *trust.ChainBuilder
	crlCheck *trust.CRLChecker
	policy   *trust.CompliancePolicy
	progress *events.Manager

	anchor *x509.Certificate
}

// counters aggregates per-upload statistics during one processing pass and
// queues the directory writes for the LDAP phase that follows the DB phase.
type counters struct {
	byType   map[certificate.Type]int
	byStatus map[trust.Status]int
	crls     int
	dups     int
	errs     int

	ldapCerts []ldapCertWrite
	ldapCRLs  []ldapCRLWrite
	ldapMLs   []ldapMLWrite
}

type ldapCertWrite struct {
	row      *store.Certificate
	certType certificate.Type
}

type ldapCRLWrite struct {
	id    string
	entry ldapstore.CRLEntry
}

type ldapMLWrite struct {
	id    string
	entry ldapstore.MasterListEntry
}

func newCounters() *counters {
	return &counters{byType: map[certificate.Type]int{}, byStatus: map[trust.Status]int{}}
}

// processCert validates and persists one certificate from an upload.
func (p *pipeline) processCert(ctx context.Context, uploadID string, cert *x509.Certificate, ldifPath string, c *counters) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	certType := certificate.Classify(cert, ldifPath)
	meta := certificate.ExtractMetadata(cert)
	fp := meta.FingerprintSHA256
	country := certificate.CountryFromDN(meta.SubjectDN)

	logger := log.G(ctx).WithFields(log.Fields{
		"upload":      uploadID,
		"fingerprint": fp[:16],
		"type":        certType,
		"country":     country,
	})

	row := &store.Certificate{
		FingerprintSHA256: fp,
		UploadID:          sql.NullString{String: uploadID, Valid: true},
		CertType:          string(certType.StorageType()),
		CountryCode:       country,
		SubjectDN:         meta.SubjectDN,
		IssuerDN:          meta.IssuerDN,
		SerialNumber:      meta.SerialNumber,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		IsSelfSigned:      meta.IsSelfSigned,
		DERBytes:          cert.Raw,
		ValidationStatus:  string(trust.StatusPending),
	}

	saved, inserted, err := p.certs.SaveWithDuplicateCheck(ctx, row)
	if err != nil {
		logger.WithError(err).Error("certificate insert failed")
		c.errs++
		return
	}
	c.byType[certType.StorageType()]++
	if !inserted {
		c.dups++
		p.progress.RecordCert(uploadID, events.CertEvent{
			Fingerprint:      fp,
			CertType:         string(certType),
			CountryCode:      country,
			SubjectCN:        certificate.ShortCN(meta.SubjectDN),
			ValidationStatus: saved.ValidationStatus,
			Message:          "duplicate",
		}, meta.SignatureAlg, meta.PublicKeyBits, "", true)
		return
	}

	// validation: chain, revocation, checklist
	chain := p.chains.Build(ctx, cert)
	crlRes := trust.CRLResult{Status: trust.CRLNotChecked}
	if certType == certificate.TypeDSC || certType == certificate.TypeDSCNC {
		crlRes = p.crlCheck.Check(ctx, cert, certificate.CountryFromDN(meta.IssuerDN))
	}
	status := chain.Status
	if crlRes.Revoked {
		status = trust.StatusInvalid
	}
	compliance := p.policy.CheckCompliance(cert, certType)

	if err := p.saveValidation(ctx, saved.ID, uploadID, status, chain, crlRes, compliance, time.Since(start)); err != nil {
		logger.WithError(err).Error("validation result insert failed")
	}
	if err := p.certs.UpdateValidationStatus(ctx, saved.ID, string(status)); err != nil {
		logger.WithError(err).Error("validation status update failed")
	}
	c.byStatus[status]++
	certsValidated.WithValues(string(status)).Inc()
	validationTimer.Update(time.Since(start))

	// directory writes run after the DB phase
	c.ldapCerts = append(c.ldapCerts, ldapCertWrite{row: saved, certType: certType})

	p.progress.RecordCert(uploadID, events.CertEvent{
		Fingerprint:      fp,
		CertType:         string(certType),
		CountryCode:      country,
		SubjectCN:        certificate.ShortCN(meta.SubjectDN),
		ValidationStatus: string(status),
		Message:          chain.Message,
	}, meta.SignatureAlg, meta.PublicKeyBits, string(compliance.Level), false)
}

func (p *pipeline) saveValidation(ctx context.Context, certID, uploadID string, status trust.Status, chain trust.ChainResult, crlRes trust.CRLResult, compliance trust.ComplianceResult, took time.Duration) error {
	v := &store.ValidationResult{
		CertificateID:     certID,
		UploadID:          sql.NullString{String: uploadID, Valid: true},
		ValidationStatus:  string(status),
		TrustChainValid:   chain.Valid,
		TrustChainPath:    sql.NullString{String: chain.Path, Valid: chain.Path != ""},
		CSCAFound:         chain.CSCAFound,
		CSCASubjectDN:     sql.NullString{String: chain.CSCASubjectDN, Valid: chain.CSCASubjectDN != ""},
		SignatureVerified: chain.SignatureVerified,
		IsExpired:         chain.Expired(),
		CRLCheckStatus:    string(crlRes.Status),
		CRLRevoked:        crlRes.Revoked,
		ICAOComplianceLevel: sql.NullString{
			String: string(compliance.Level), Valid: true,
		},
		FailureReason: sql.NullString{String: chain.Reason, Valid: chain.Reason != ""},
		ErrorMessage:  sql.NullString{String: chain.Message, Valid: chain.Message != ""},
		DurationMS:    took.Milliseconds(),
	}
	if tags := compliance.Tags(); len(tags) > 0 {
		v.ICAOViolations = sql.NullString{String: strings.Join(tags, ","), Valid: true}
	}
	return p.validations.Save(ctx, v)
}

// flushDirectory drains the queued directory writes once the DB phase is
// done. A transient failure leaves stored_in_ldap=false for the reconciler
// to retry; cancellation stops between writes.
func (p *pipeline) flushDirectory(ctx context.Context, c *counters) {
	for _, w := range c.ldapCerts {
		if ctx.Err() != nil {
			return
		}
		p.writeToLDAP(ctx, w.row, w.certType)
	}
	for _, w := range c.ldapCRLs {
		if ctx.Err() != nil {
			return
		}
		dn, err := p.dir.SaveCRL(ctx, w.entry)
		if err != nil {
			log.G(ctx).WithError(err).Warn("crl ldap write deferred to reconciler")
			continue
		}
		if err := p.crls.MarkSynced(ctx, w.id, dn); err != nil {
			log.G(ctx).WithError(err).Error("marking crl synced failed")
		}
	}
	for _, w := range c.ldapMLs {
		if ctx.Err() != nil {
			return
		}
		dn, err := p.dir.SaveMasterList(ctx, w.entry)
		if err != nil {
			log.G(ctx).WithError(err).Warn("master list ldap write deferred to reconciler")
			continue
		}
		if err := p.masterLists.MarkSynced(ctx, w.id, dn); err != nil {
			log.G(ctx).WithError(err).Error("marking master list synced failed")
		}
	}
}

// writeToLDAP files the certificate under its DIT organization and marks
// the row synced on success.
func (p *pipeline) writeToLDAP(ctx context.Context, row *store.Certificate, certType certificate.Type) {
	entry := ldapstore.CertEntry{
		Fingerprint:   row.FingerprintSHA256,
		CountryCode:   row.CountryCode,
		OU:            certType.LDAPOrganization(),
		SubjectDN:     row.SubjectDN,
		SerialHex:     row.SerialNumber,
		DER:           row.DERBytes,
		NonConformant: certType == certificate.TypeDSCNC,
	}
	dn, err := p.dir.SaveCertificate(ctx, entry)
	if err != nil {
		log.G(ctx).WithError(err).WithField("fingerprint", row.FingerprintSHA256[:16]).
			Warn("ldap write deferred to reconciler")
		return
	}
	if err := p.certs.MarkSynced(ctx, row.ID, dn); err != nil {
		log.G(ctx).WithError(err).Error("marking row synced failed")
	}
}

// processCRL persists one CRL and its revoked serials.
func (p *pipeline) processCRL(ctx context.Context, uploadID string, der []byte, c *counters) {
	crl, err := certificate.ParseCRL(der)
	if err != nil {
		log.G(ctx).WithError(err).Warn("undecodable CRL entry")
		c.errs++
		return
	}

	issuerDN := crl.Issuer.String()
	country := certificate.CountryFromDN(issuerDN)
	fp := certificate.FingerprintSHA256(crl.Raw)

	rec := &store.CRLRecord{
		FingerprintSHA256: fp,
		UploadID:          sql.NullString{String: uploadID, Valid: true},
		CountryCode:       country,
		IssuerDN:          issuerDN,
		ThisUpdate:        crl.ThisUpdate,
	}
	if !crl.NextUpdate.IsZero() {
		rec.NextUpdate = sql.NullTime{Time: crl.NextUpdate, Valid: true}
	}
	if crl.Number != nil {
		rec.CRLNumber = sql.NullString{String: crl.Number.String(), Valid: true}
	}
	rec.DERBytes = crl.Raw

	revoked := make([]store.RevokedEntry, 0, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		revoked = append(revoked, store.RevokedEntry{
			SerialNumber:   strings.ToUpper(e.SerialNumber.Text(16)),
			RevocationDate: sql.NullTime{Time: e.RevocationTime, Valid: !e.RevocationTime.IsZero()},
			Reason:         sql.NullString{String: reasonName(e.ReasonCode), Valid: true},
		})
	}

	saved, inserted, err := p.crls.SaveWithDuplicateCheck(ctx, rec, revoked)
	if err != nil {
		log.G(ctx).WithError(err).Error("crl insert failed")
		c.errs++
		return
	}
	c.crls++
	if !inserted {
		c.dups++
		return
	}

	c.ldapCRLs = append(c.ldapCRLs, ldapCRLWrite{id: saved.ID, entry: ldapstore.CRLEntry{
		Fingerprint: fp,
		CountryCode: country,
		IssuerDN:    issuerDN,
		DER:         crl.Raw,
	}})
}

func reasonName(code int) string {
	// RFC 5280 §5.3.1
	names := map[int]string{
		0: "unspecified", 1: "keyCompromise", 2: "cACompromise",
		3: "affiliationChanged", 4: "superseded", 5: "cessationOfOperation",
		6: "certificateHold", 8: "removeFromCRL", 9: "privilegeWithdrawn",
		10: "aACompromise",
	}
	if n, ok := names[code]; ok {
		return n
	}
	return "unspecified"
}

// processMasterList parses a CMS master list, persists the list row, then
// pushes the signer and each embedded CSCA through the certificate flow.
func (p *pipeline) processMasterList(ctx context.Context, uploadID string, raw []byte, c *counters) error {
	ml, err := masterlist.Parse(raw, p.anchor)
	if err != nil {
		return err
	}

	fp := certificate.FingerprintSHA256(ml.Raw)
	rec := &store.MasterListRecord{
		FingerprintSHA256: fp,
		UploadID:          sql.NullString{String: uploadID, Valid: true},
		CountryCode:       ml.CountryCode,
		SignerDN:          ml.SignerDN,
		SignatureVerified: ml.Verified,
		CSCACount:         len(ml.CSCAs),
		RawBytes:          ml.Raw,
	}
	saved, inserted, err := p.masterLists.SaveWithDuplicateCheck(ctx, rec)
	if err != nil {
		return errors.Wrap(err, "persist master list")
	}
	if !inserted {
		return errors.Wrapf(cerrdefs.ErrAlreadyExists, "master list %s already ingested", fp[:16])
	}

	if ml.Signer != nil {
		p.processCert(ctx, uploadID, ml.Signer, "", c)
	}
	for _, csca := range ml.CSCAs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.processCert(ctx, uploadID, csca, "", c)
	}

	c.ldapMLs = append(c.ldapMLs, ldapMLWrite{id: saved.ID, entry: ldapstore.MasterListEntry{
		Fingerprint: fp,
		CountryCode: ml.CountryCode,
		SignerDN:    ml.SignerDN,
		Raw:         ml.Raw,
	}})
	return nil
}

// processDeviationList parses and persists a CMS deviation list.
func (p *pipeline) processDeviationList(ctx context.Context, uploadID string, raw []byte) error {
	dl, err := masterlist.ParseDeviationList(raw, p.anchor)
	if err != nil {
		return err
	}

	fp := certificate.FingerprintSHA256(dl.Raw)
	rec := &store.DeviationListRecord{
		FingerprintSHA256: fp,
		UploadID:          sql.NullString{String: uploadID, Valid: true},
		CountryCode:       dl.CountryCode,
		SignerDN:          dl.SignerDN,
		SignatureVerified: dl.Verified,
		Version:           dl.Version,
		RawBytes:          dl.Raw,
	}
	entries := make([]store.DeviationEntryRecord, 0, len(dl.Entries))
	for _, e := range dl.Entries {
		entries = append(entries, store.DeviationEntryRecord{
			CertIssuerDN: e.CertIssuerDN,
			CertSerial:   e.CertSerial,
			DefectOID:    e.DefectOID,
			DefectDescription: sql.NullString{
				String: e.DefectDescription, Valid: e.DefectDescription != "",
			},
		})
	}
	_, inserted, err := p.deviations.SaveWithDuplicateCheck(ctx, rec, entries)
	if err != nil {
		return errors.Wrap(err, "persist deviation list")
	}
	if !inserted {
		return errors.Wrapf(cerrdefs.ErrAlreadyExists, "deviation list %s already ingested", fp[:16])
	}
	log.G(ctx).WithFields(log.Fields{
		"upload":  uploadID,
		"signer":  certificate.ShortCN(dl.SignerDN),
		"defects": len(dl.Entries),
	}).Info("deviation list ingested")
	return nil
}
