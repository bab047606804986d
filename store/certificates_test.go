package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/iland112/icao-local-pkd/certificate"
)

func TestSaveWithDuplicateCheckInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	mock.ExpectExec("INSERT INTO certificate").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &Certificate{
		FingerprintSHA256: "abc123",
		CertType:          "DSC",
		CountryCode:       "KR",
		SubjectDN:         "CN=DSC-1,C=KR",
		ValidationStatus:  "VALID",
	}
	saved, inserted, err := repo.SaveWithDuplicateCheck(context.Background(), c)
	assert.NilError(t, err)
	assert.Assert(t, inserted)
	assert.Assert(t, saved.ID != "", "id assigned on insert")
}

func TestSaveWithDuplicateCheckDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	existing := &Certificate{
		ID:                "existing-id",
		FingerprintSHA256: "abc123def4567890",
		CertType:          "DSC",
	}
	mock.ExpectExec("INSERT INTO certificate").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT \\* FROM certificate WHERE fingerprint_sha256").
		WithArgs(existing.FingerprintSHA256).
		WillReturnRows(certRow(existing))
	mock.ExpectExec("UPDATE certificate SET duplicate_count = duplicate_count \\+ 1").
		WithArgs(existing.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO duplicate_certificate").
		WithArgs(existing.ID, "upload-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, inserted, err := repo.SaveWithDuplicateCheck(context.Background(), &Certificate{
		FingerprintSHA256: existing.FingerprintSHA256,
		CertType:          "DSC",
		UploadID:          sql.NullString{String: "upload-2", Valid: true},
	})
	assert.NilError(t, err)
	assert.Assert(t, !inserted)
	assert.Equal(t, got.ID, "existing-id")
	// in-memory row reflects the bumped counter
	assert.Equal(t, got.DuplicateCount, 1)
}

func TestSaveWithDuplicateCheckDuplicateNoUpload(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	existing := &Certificate{ID: "existing-id", FingerprintSHA256: "feed", CertType: "CSCA"}
	mock.ExpectExec("INSERT INTO certificate").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT \\* FROM certificate WHERE fingerprint_sha256").
		WithArgs(existing.FingerprintSHA256).
		WillReturnRows(certRow(existing))
	mock.ExpectExec("UPDATE certificate SET duplicate_count = duplicate_count \\+ 1").
		WithArgs(existing.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// no sighting row without an upload id

	_, inserted, err := repo.SaveWithDuplicateCheck(context.Background(), &Certificate{
		FingerprintSHA256: existing.FingerprintSHA256,
		CertType:          "CSCA",
	})
	assert.NilError(t, err)
	assert.Assert(t, !inserted)
}

func TestDeleteByUpload(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	mock.ExpectExec("DELETE FROM certificate WHERE upload_id").
		WithArgs("upload-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteByUpload(context.Background(), "upload-1")
	assert.NilError(t, err)
	assert.Equal(t, n, int64(4))
}

func TestFindByFingerprintNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	mock.ExpectQuery("SELECT \\* FROM certificate WHERE fingerprint_sha256").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(certColumns))

	_, err := repo.FindByFingerprint(context.Background(), "missing")
	assert.Assert(t, cerrdefs.IsNotFound(err))
}

func TestFindAllCSCAsBySubjectDN(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	cert := selfSignedDER(t, "CSCA-KR", "KR")
	subject := cert.Subject.String()

	// one raw row and one legacy double-encoded row of the same rollover DN
	rolled := selfSignedDER(t, "CSCA-KR", "KR")
	encoded := append([]byte(`\x`), []byte(hex.EncodeToString(rolled.Raw))...)

	rows := certRow(&Certificate{
		ID: "a", FingerprintSHA256: "f1", CertType: "CSCA",
		SubjectDN: subject, DERBytes: cert.Raw,
	})
	addCertRow(rows, &Certificate{
		ID: "b", FingerprintSHA256: "f2", CertType: "CSCA",
		SubjectDN: subject, DERBytes: encoded,
	})
	mock.ExpectQuery("SELECT \\* FROM certificate").
		WithArgs(subject).
		WillReturnRows(rows)

	certs, err := repo.FindAllCSCAsBySubjectDN(context.Background(), subject)
	assert.NilError(t, err)
	// both rollover candidates survive, no DN dedup
	assert.Assert(t, is.Len(certs, 2))
	assert.Equal(t, certificate.FingerprintSHA256(certs[1].Raw), certificate.FingerprintSHA256(rolled.Raw))
}

func TestMarkSynced(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	mock.ExpectExec("UPDATE certificate SET stored_in_ldap = TRUE").
		WithArgs("id-1", "cn=fp,o=dsc,c=KR").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NilError(t, repo.MarkSynced(context.Background(), "id-1", "cn=fp,o=dsc,c=KR"))
}

func TestExpireSweep(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &CertificateRepo{db: db}

	now := time.Now()
	mock.ExpectExec("UPDATE certificate SET validation_status = 'EXPIRED_VALID'").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpireSweep(context.Background(), now)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(3))
}
