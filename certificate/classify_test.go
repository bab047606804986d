package certificate

import (
	"crypto/x509"
	"testing"

	"gotest.tools/v3/assert"
)

func TestClassifyCSCA(t *testing.T) {
	csca, _ := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-KR", "KR"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	})
	assert.Equal(t, Classify(csca, ""), TypeCSCA)
}

func TestClassifyLinkCert(t *testing.T) {
	old, oldKey := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-KR", "KR"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	})
	link, _ := genSigned(t, testCertSpec{
		subject:  caName("CSCA-KR-2026", "KR"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	}, old, oldKey)
	assert.Equal(t, Classify(link, ""), TypeLinkCert)
}

func TestClassifyDSC(t *testing.T) {
	csca, cscaKey := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-KR", "KR"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	})
	dsc, _ := genSigned(t, testCertSpec{
		subject:  caName("DSC-001", "KR"),
		keyUsage: x509.KeyUsageDigitalSignature,
	}, csca, cscaKey)
	assert.Equal(t, Classify(dsc, ""), TypeDSC)
}

func TestClassifyMLSCByEKU(t *testing.T) {
	csca, cscaKey := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-UN", "ZZ"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	})
	mlsc, _ := genSigned(t, testCertSpec{
		subject:  caName("ML Signer", "ZZ"),
		keyUsage: x509.KeyUsageDigitalSignature,
		extraEKU: []asn1OID{{2, 23, 136, 1, 1, 9}},
	}, csca, cscaKey)
	assert.Equal(t, Classify(mlsc, ""), TypeMLSC)
}

func TestClassifyNCDataPathWins(t *testing.T) {
	// nc-data placement overrides content, even for a would-be CSCA
	csca, _ := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-XX", "XX"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	})
	path := "cn=abc,o=dsc,c=XX,dc=nc-data,dc=pkdDownload"
	assert.Equal(t, Classify(csca, path), TypeDSCNC)
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Classify(nil, ""), TypeUnknown)
}

func TestStorageType(t *testing.T) {
	assert.Equal(t, TypeLinkCert.StorageType(), TypeCSCA)
	assert.Equal(t, TypeDSC.StorageType(), TypeDSC)
	assert.Equal(t, TypeMLSC.StorageType(), TypeMLSC)
}

func TestLDAPOrganization(t *testing.T) {
	assert.Equal(t, TypeCSCA.LDAPOrganization(), "csca")
	assert.Equal(t, TypeLinkCert.LDAPOrganization(), "lc")
	assert.Equal(t, TypeMLSC.LDAPOrganization(), "mlsc")
	assert.Equal(t, TypeDSC.LDAPOrganization(), "dsc")
	assert.Equal(t, TypeDSCNC.LDAPOrganization(), "dsc")
}
