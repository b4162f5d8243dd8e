package module

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// ManifestPath is the location of the manifest inside an artifact archive.
const ManifestPath = "META-INF/MANIFEST.MF"

// Manifest headers consulted by the harness.
const (
	HeaderSymbolicName = "Bundle-SymbolicName"
	HeaderVersion      = "Bundle-Version"
	HeaderFragmentHost = "Fragment-Host"
)

// Manifest is the parsed header section of an artifact manifest.
type Manifest struct {
	Headers map[string]string
}

// SymbolicName returns the symbolic name without its directives
// (e.g. "a.b;singleton:=true" yields "a.b").
func (m *Manifest) SymbolicName() string {
	name, _, _ := strings.Cut(m.Headers[HeaderSymbolicName], ";")
	return strings.TrimSpace(name)
}

func (m *Manifest) Version() string {
	return strings.TrimSpace(m.Headers[HeaderVersion])
}

// IsFragment reports whether the artifact attaches to a host module instead of
// being started on its own.
func (m *Manifest) IsFragment() bool {
	return strings.TrimSpace(m.Headers[HeaderFragmentHost]) != ""
}

// ParseManifest reads the main section of a manifest. Continuation lines begin
// with a single space and are joined to the previous header.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{Headers: make(map[string]string)}
	sc := bufio.NewScanner(r)
	var last string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			// End of the main section.
			break
		}
		if strings.HasPrefix(line, " ") {
			if last == "" {
				return nil, fmt.Errorf("%w: continuation line without header", ErrInvalidArtifact)
			}
			m.Headers[last] += line[1:]
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed manifest line %q", ErrInvalidArtifact, line)
		}
		last = key
		m.Headers[key] = strings.TrimPrefix(value, " ")
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if m.SymbolicName() == "" {
		return nil, fmt.Errorf("%w: manifest has no %s", ErrInvalidArtifact, HeaderSymbolicName)
	}
	return m, nil
}

// ReadManifest extracts and parses the manifest of a zip artifact.
func ReadManifest(artifact []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	f, err := zr.Open(ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, ManifestPath, err)
	}
	defer f.Close()
	return ParseManifest(f)
}
