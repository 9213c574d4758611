package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/alexjbarnes/reader-sync/internal/domain"
)

// migratedPath returns the file holding the already-migrated user ids.
// The key name and the bare-JSON-array layout are part of the persisted
// state contract with prior app versions.
func migratedPath(dir string) string {
	return filepath.Join(dir, domain.MigratedUsersKey+".json")
}

// MigratedUsers returns the ids of users whose pre-auth local data has
// already been copied to the remote store. A missing file means none.
func MigratedUsers(dir string) ([]string, error) {
	data, err := os.ReadFile(migratedPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading migrated users: %w", err)
	}

	var users []string
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decoding migrated users: %w", err)
	}

	return users, nil
}

// IsMigrated reports whether userID is recorded as migrated.
func IsMigrated(dir, userID string) (bool, error) {
	users, err := MigratedUsers(dir)
	if err != nil {
		return false, err
	}

	return slices.Contains(users, userID), nil
}

// MarkMigrated appends userID to the migrated list. Idempotent.
func MarkMigrated(dir, userID string) error {
	users, err := MigratedUsers(dir)
	if err != nil {
		return err
	}

	if slices.Contains(users, userID) {
		return nil
	}

	users = append(users, userID)

	data, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("encoding migrated users: %w", err)
	}

	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if err := os.WriteFile(migratedPath(dir), data, stateFilePerm); err != nil {
		return fmt.Errorf("writing migrated users: %w", err)
	}

	return nil
}
