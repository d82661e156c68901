package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnitFilePaths are the paths checked for the installed guard unit.
var UnitFilePaths = []string{
	filepath.Join(UnitDir, UnitName),
	"/usr/lib/systemd/system/" + UnitName,
}

// UnitHashPath is where the install-time hash of the unit file is stored.
var UnitHashPath = "/var/lib/canarywatch/unit-file.sha256"

// FindUnitFile returns the first installed unit path, or "".
func FindUnitFile() string {
	for _, p := range UnitFilePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// CheckUnitFileIntegrity compares the installed unit against the hash
// recorded at install time. It returns a warning when the unit was edited
// since, or "" when it matches or there is nothing to compare.
func CheckUnitFileIntegrity() string {
	unitPath := FindUnitFile()
	if unitPath == "" {
		return ""
	}

	stored, err := os.ReadFile(UnitHashPath)
	if err != nil {
		return ""
	}
	expectedHash := strings.TrimSpace(string(stored))
	if len(expectedHash) != sha256.Size*2 {
		return fmt.Sprintf("unit hash file %s is malformed", UnitHashPath)
	}

	actualHash, err := hashFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	if actualHash == expectedHash {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expectedHash[:16], actualHash[:16])
}

// RecordUnitFileHash stores the hash of the installed unit at UnitHashPath.
func RecordUnitFileHash() error {
	unitPath := FindUnitFile()
	if unitPath == "" {
		return fmt.Errorf("no unit file found at %s", strings.Join(UnitFilePaths, ", "))
	}
	hash, err := hashFile(unitPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(UnitHashPath), 0o700); err != nil {
		return fmt.Errorf("create hash directory: %w", err)
	}
	return os.WriteFile(UnitHashPath, []byte(hash+"\n"), 0o600)
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
