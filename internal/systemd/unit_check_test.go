package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useUnitPaths points the unit and hash lookups at a temporary root for the
// duration of the test.
func useUnitPaths(t *testing.T, units []string, hashPath string) {
	t.Helper()
	oldUnits, oldHash := UnitFilePaths, UnitHashPath
	UnitFilePaths, UnitHashPath = units, hashPath
	t.Cleanup(func() {
		UnitFilePaths, UnitHashPath = oldUnits, oldHash
	})
}

// installGuardUnit writes a rendered guard template under root, the way
// "canarywatch unit install" does, and returns its path.
func installGuardUnit(t *testing.T, root, backend string) (string, []byte) {
	t.Helper()
	dir := filepath.Join(root, "etc", "systemd", "system")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte(GuardTemplate("/usr/local/bin/canarywatch", "arm", backend))
	path := filepath.Join(dir, UnitName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func writeHash(t *testing.T, path, hash string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(hash+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestCheckUnitFileIntegrityNotInstalled(t *testing.T) {
	root := t.TempDir()
	useUnitPaths(t, []string{filepath.Join(root, UnitName)}, filepath.Join(root, "unit-file.sha256"))

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected no warning without an installed unit, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityNoRecordedHash(t *testing.T) {
	root := t.TempDir()
	unit, _ := installGuardUnit(t, root, "notify")
	useUnitPaths(t, []string{unit}, filepath.Join(root, "var", "lib", "canarywatch", "unit-file.sha256"))

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected no warning before install recorded a hash, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityMatch(t *testing.T) {
	root := t.TempDir()
	unit, content := installGuardUnit(t, root, "fuse")
	hashPath := filepath.Join(root, "unit-file.sha256")
	writeHash(t, hashPath, sha256Hex(content))
	useUnitPaths(t, []string{unit}, hashPath)

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected no warning for an untouched unit, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityEditedUnit(t *testing.T) {
	root := t.TempDir()
	unit, content := installGuardUnit(t, root, "fuse")
	hashPath := filepath.Join(root, "unit-file.sha256")
	writeHash(t, hashPath, sha256Hex(content))
	useUnitPaths(t, []string{unit}, hashPath)

	// Someone switches the guard to test mode behind the operator's back.
	edited := strings.Replace(string(content), " arm fuse ", " test fuse ", 1)
	if err := os.WriteFile(unit, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := CheckUnitFileIntegrity()
	if !strings.Contains(msg, "modified since installation") {
		t.Fatalf("expected modification warning, got %q", msg)
	}
	if !strings.Contains(msg, unit) {
		t.Errorf("warning does not name %s: %q", unit, msg)
	}
}

func TestCheckUnitFileIntegrityMalformedHash(t *testing.T) {
	root := t.TempDir()
	unit, _ := installGuardUnit(t, root, "notify")
	hashPath := filepath.Join(root, "unit-file.sha256")
	writeHash(t, hashPath, "short")
	useUnitPaths(t, []string{unit}, hashPath)

	if msg := CheckUnitFileIntegrity(); !strings.Contains(msg, "malformed") {
		t.Errorf("expected malformed warning, got %q", msg)
	}
}

func TestFindUnitFilePrefersEtc(t *testing.T) {
	root := t.TempDir()
	etcUnit, _ := installGuardUnit(t, root, "notify")
	libDir := filepath.Join(root, "usr", "lib", "systemd", "system")
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		t.Fatal(err)
	}
	libUnit := filepath.Join(libDir, UnitName)
	if err := os.WriteFile(libUnit, []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	useUnitPaths(t, []string{etcUnit, libUnit}, filepath.Join(root, "unit-file.sha256"))
	if got := FindUnitFile(); got != etcUnit {
		t.Errorf("FindUnitFile = %q, want %q", got, etcUnit)
	}

	useUnitPaths(t, []string{filepath.Join(root, "missing", UnitName), libUnit}, filepath.Join(root, "unit-file.sha256"))
	if got := FindUnitFile(); got != libUnit {
		t.Errorf("FindUnitFile = %q, want %q", got, libUnit)
	}
}

func TestRecordUnitFileHash(t *testing.T) {
	root := t.TempDir()
	unit, content := installGuardUnit(t, root, "fuse")
	hashPath := filepath.Join(root, "var", "lib", "canarywatch", "unit-file.sha256")
	useUnitPaths(t, []string{unit}, hashPath)

	if err := RecordUnitFileHash(); err != nil {
		t.Fatalf("RecordUnitFileHash: %v", err)
	}

	data, err := os.ReadFile(hashPath)
	if err != nil {
		t.Fatalf("read hash file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != sha256Hex(content) {
		t.Errorf("hash = %s, want %s", got, sha256Hex(content))
	}

	info, err := os.Stat(hashPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("hash file mode = %o, want 600", perm)
	}
	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected clean check after recording, got %q", msg)
	}
}

func TestRecordUnitFileHashNotInstalled(t *testing.T) {
	root := t.TempDir()
	useUnitPaths(t, []string{filepath.Join(root, UnitName)}, filepath.Join(root, "unit-file.sha256"))

	err := RecordUnitFileHash()
	if err == nil {
		t.Fatal("expected error when no unit file exists")
	}
	if !strings.Contains(err.Error(), UnitName) {
		t.Errorf("error does not name the unit: %v", err)
	}
}
