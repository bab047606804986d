package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// stagedEntry is one LDIF entry persisted between the MANUAL-mode parse
// phase and the validate phase.
type stagedEntry struct {
	DN     string   `json:"dn"`
	Certs  [][]byte `json:"certs,omitempty"`
	CRLs   [][]byte `json:"crls,omitempty"`
	MLBlob []byte   `json:"mlBlob,omitempty"`
}

// staging persists parsed-but-unvalidated upload material under the temp
// directory: {uploadId}.ldif.json for LDIF entry lists, {uploadId}.ml for
// raw master list bytes.
type staging struct {
	dir string
}

func newStaging(dir string) (*staging, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create temp dir %s", dir)
	}
	return &staging{dir: dir}, nil
}

func (s *staging) ldifPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".ldif.json")
}

func (s *staging) mlPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".ml")
}

// stageLDIF writes the parsed entries as compact JSON.
func (s *staging) stageLDIF(uploadID string, entries []stagedEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "marshal staged entries")
	}
	return errors.Wrap(os.WriteFile(s.ldifPath(uploadID), data, 0o600), "write staged ldif")
}

// loadLDIF reads back the staged entries.
func (s *staging) loadLDIF(uploadID string) ([]stagedEntry, error) {
	data, err := os.ReadFile(s.ldifPath(uploadID))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "no staged entries for upload %s", uploadID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read staged ldif")
	}
	var entries []stagedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decode staged ldif")
	}
	return entries, nil
}

// stageML writes raw master list bytes.
func (s *staging) stageML(uploadID string, raw []byte) error {
	return errors.Wrap(os.WriteFile(s.mlPath(uploadID), raw, 0o600), "write staged master list")
}

// loadML reads back the raw master list bytes.
func (s *staging) loadML(uploadID string) ([]byte, error) {
	data, err := os.ReadFile(s.mlPath(uploadID))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "no staged master list for upload %s", uploadID)
	}
	return data, errors.Wrap(err, "read staged master list")
}

// cleanup removes every staged file for the upload. Missing files are fine.
func (s *staging) cleanup(uploadID string) {
	os.Remove(s.ldifPath(uploadID))
	os.Remove(s.mlPath(uploadID))
}
