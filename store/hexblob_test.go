package store

import (
	"encoding/hex"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
)

func TestDecodeBlobRawDER(t *testing.T) {
	der := []byte{0x30, 0x82, 0x01, 0x00, 0xAA}
	got, err := DecodeBlob(der)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, der)
}

func TestDecodeBlobHexPrefixed(t *testing.T) {
	der := []byte{0x30, 0x82, 0x01, 0x00, 0xAA}
	enc := append([]byte(`\x`), []byte(hex.EncodeToString(der))...)
	got, err := DecodeBlob(enc)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, der)
}

func TestDecodeBlobDoubleEncoded(t *testing.T) {
	der := []byte{0x30, 0x82, 0x01, 0x00, 0xAA}
	once := append([]byte(`\x`), []byte(hex.EncodeToString(der))...)
	twice := append([]byte(`\x`), []byte(hex.EncodeToString(once))...)
	got, err := DecodeBlob(twice)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, der)
}

func TestDecodeBlobBareHex(t *testing.T) {
	der := []byte{0x30, 0x03, 0x01, 0x01, 0x00}
	got, err := DecodeBlob([]byte(hex.EncodeToString(der)))
	assert.NilError(t, err)
	assert.DeepEqual(t, got, der)
}

func TestDecodeBlobNotHex(t *testing.T) {
	// not DER and not hex text either: returned untouched
	in := []byte("zz-not-hex")
	got, err := DecodeBlob(in)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, in)
}

func TestDecodeBlobEmpty(t *testing.T) {
	_, err := DecodeBlob(nil)
	assert.Assert(t, cerrdefs.IsInvalidArgument(err))
}
