package store

import (
	"bytes"
	"encoding/hex"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// DecodeBlob normalizes a DER blob read back from BYTEA storage. Rows
// migrated from older deployments carry the bytes doubly hex-encoded: the
// driver returns ASCII "\x3082..." (or bare hex) instead of raw DER. The
// write path always stores raw bytes, so decoding is read-side only and
// applied until the blob stops looking like hex text.
func DecodeBlob(b []byte) ([]byte, error) {
	for i := 0; i < 3; i++ {
		if len(b) == 0 {
			return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "empty blob")
		}
		if looksLikeDER(b) {
			return b, nil
		}
		candidate := b
		if bytes.HasPrefix(candidate, []byte(`\x`)) {
			candidate = candidate[2:]
		}
		decoded := make([]byte, hex.DecodedLen(len(candidate)))
		n, err := hex.Decode(decoded, candidate)
		if err != nil {
			return b, nil // not hex text after all
		}
		b = decoded[:n]
	}
	return b, nil
}

// looksLikeDER reports whether b starts with a DER SEQUENCE tag, which
// every certificate, CRL and CMS blob does.
func looksLikeDER(b []byte) bool {
	return len(b) > 1 && b[0] == 0x30
}
