package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for persisted envelope files.
	stateFilePerm = fs.FileMode(0o600)

	// defaultEnvelopeVersion is written when a domain has no persisted
	// envelope yet. Existing files keep whatever version they carry.
	defaultEnvelopeVersion = 1
)

// envelope is the persisted JSON layout shared with prior app versions:
// {"state":{<field>:...},"version":N}. The key names and nesting are a
// bit-for-bit compatibility contract and must not change.
type envelope struct {
	State   map[string]json.RawMessage `json:"state"`
	Version int                        `json:"version"`
}

// readEnvelope loads and decodes the envelope file at path. A missing
// file returns an empty envelope with the default version and no error.
func readEnvelope(path string) (envelope, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return envelope{State: map[string]json.RawMessage{}, Version: defaultEnvelopeVersion}, nil
	}

	if err != nil {
		return envelope{}, fmt.Errorf("reading envelope %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope %s: %w", path, err)
	}

	if env.State == nil {
		env.State = map[string]json.RawMessage{}
	}

	if env.Version == 0 {
		env.Version = defaultEnvelopeVersion
	}

	return env, nil
}

// writeEnvelope persists an envelope atomically: write to a temp file
// in the same directory, then rename over the target. A crash mid-write
// leaves either the old or the new envelope, never a torn one.
func writeEnvelope(path string, env envelope) error {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".envelope-*")
	if err != nil {
		return fmt.Errorf("creating temp envelope: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp envelope: %w", err)
	}

	if err := tmp.Chmod(stateFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting envelope permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp envelope: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing envelope %s: %w", path, err)
	}

	return nil
}
