package peers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const persistenceVersion = 1

type persistedPeer struct {
	Peer
	PenalizedUntil time.Time `json:"penalizedUntil,omitempty"`
}

type persistedFile struct {
	Version   int             `json:"version"`
	LastSaved time.Time       `json:"lastSaved"`
	Peers     []persistedPeer `json:"peers"`
}

// load returns nil, nil if path does not exist.
func load(path string) (*persistedFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrap(err, "decode peer file")
	}
	if pf.Version != persistenceVersion {
		return nil, errors.Errorf("unsupported peer file version %d", pf.Version)
	}
	return &pf, nil
}

// save writes to a temporary file in the same directory and renames it over path.
func save(path string, pf *persistedFile) error {
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
