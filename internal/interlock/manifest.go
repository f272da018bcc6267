package interlock

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFilename is the integrity manifest kept next to the rule files.
// It uses sha256sum format, so `sha256sum *.lua > interlocks.sha256` in the
// rule directory produces a valid one.
const ManifestFilename = "interlocks.sha256"

// Audit statuses.
const (
	FileOK       = "ok"
	FileModified = "modified"
	FileUnlisted = "unlisted" // on disk, not pinned
	FileMissing  = "missing"  // pinned, not on disk
)

// Manifest pins each rule file name to the SHA256 of its contents.
type Manifest struct {
	sums map[string]string
}

// FileStatus is one line of a manifest audit.
type FileStatus struct {
	Name   string
	Status string
	Want   string
	Got    string
}

// ruleFiles lists the .lua files in dir, sorted.
func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".lua") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadManifest loads dir/interlocks.sha256. A directory without one yields
// nil and no error.
func ReadManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest reads "<sha256>  <file>" lines. The binary-mode marker
// ("<sha256> *<file>") is accepted too. Blank lines and # comments are skipped.
// The manifest covers one flat directory, so names with a path are refused.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{sums: make(map[string]string)}
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		sum, name, ok := strings.Cut(line, " ")
		if !ok || len(name) < 2 || (name[0] != ' ' && name[0] != '*') {
			return nil, fmt.Errorf("manifest line %d: want \"<sha256>  <file>\"", n)
		}
		name = name[1:]
		if len(sum) != 2*sha256.Size {
			return nil, fmt.Errorf("manifest line %d: digest is %d chars, want %d", n, len(sum), 2*sha256.Size)
		}
		sum = strings.ToLower(sum)
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", n, err)
		}
		if name != filepath.Base(name) {
			return nil, fmt.Errorf("manifest line %d: %q is not a plain file name", n, name)
		}
		if _, dup := m.sums[name]; dup {
			return nil, fmt.Errorf("manifest line %d: %s listed twice", n, name)
		}
		m.sums[name] = sum
	}
	return m, sc.Err()
}

// Check compares the file at path with the digest pinned for name.
func (m *Manifest) Check(name, path string) error {
	want, ok := m.sums[name]
	if !ok {
		return fmt.Errorf("%s is not listed in %s", name, ManifestFilename)
	}
	got, err := fileSum(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("%s has sha256 %s, manifest pins %s", name, got, want)
	}
	return nil
}

// Len returns the number of pinned files.
func (m *Manifest) Len() int { return len(m.sums) }

// Audit checks every rule file in dir against the manifest and reports, in
// name order, files that match, differ, are not pinned, or are pinned but gone.
func (m *Manifest) Audit(dir string) ([]FileStatus, error) {
	names, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	var out []FileStatus
	for _, name := range names {
		seen[name] = true
		got, err := fileSum(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		want, pinned := m.sums[name]
		st := FileStatus{Name: name, Want: want, Got: got, Status: FileOK}
		switch {
		case !pinned:
			st.Status = FileUnlisted
		case got != want:
			st.Status = FileModified
		}
		out = append(out, st)
	}
	for name, want := range m.sums {
		if !seen[name] {
			out = append(out, FileStatus{Name: name, Want: want, Status: FileMissing})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteTo writes the manifest in sha256sum format, sorted by name.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	names := make([]string, 0, len(m.sums))
	for name := range m.sums {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		n, err := fmt.Fprintf(w, "%s  %s\n", m.sums[name], name)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SealDir pins every rule file currently in dir and replaces the manifest.
// The new manifest is renamed into place so a watching partition never reads
// a partial one.
func SealDir(dir string) (*Manifest, error) {
	names, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{sums: make(map[string]string, len(names))}
	for _, name := range names {
		sum, err := fileSum(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		m.sums[name] = sum
	}

	tmp, err := os.CreateTemp(dir, "."+ManifestFilename+".*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestFilename)); err != nil {
		return nil, err
	}
	return m, nil
}
