package store

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"gotest.tools/v3/assert"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	assert.NilError(t, err)
	db := sqlx.NewDb(raw, "postgres")
	t.Cleanup(func() {
		assert.NilError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var certColumns = []string{
	"id", "fingerprint_sha256", "upload_id", "cert_type", "country_code",
	"subject_dn", "issuer_dn", "serial_number", "not_before", "not_after",
	"is_self_signed", "der_bytes", "stored_in_ldap", "ldap_dn",
	"validation_status", "duplicate_count", "created_at", "updated_at",
}

func certRow(c *Certificate) *sqlmock.Rows {
	rows := sqlmock.NewRows(certColumns)
	addCertRow(rows, c)
	return rows
}

func addCertRow(rows *sqlmock.Rows, c *Certificate) {
	rows.AddRow(c.ID, c.FingerprintSHA256, c.UploadID, c.CertType, c.CountryCode,
		c.SubjectDN, c.IssuerDN, c.SerialNumber, c.NotBefore, c.NotAfter,
		c.IsSelfSigned, c.DERBytes, c.StoredInLDAP, c.LDAPDNs,
		c.ValidationStatus, c.DuplicateCount, c.CreatedAt, c.UpdatedAt)
}

// selfSignedDER builds a self-signed CA certificate for blob round-trips.
func selfSignedDER(t *testing.T, cn, country string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Country: []string{country}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return cert
}
