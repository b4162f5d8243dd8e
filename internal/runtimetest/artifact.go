package runtimetest

import (
	"archive/zip"
	"bytes"
	"fmt"

	"github.com/benaskins/modharness/internal/module"
)

// Artifact builds a minimal module archive. extra is a list of header/value
// pairs appended to the manifest.
func Artifact(symbolicName, version string, extra ...string) []byte {
	if len(extra)%2 != 0 {
		panic("runtimetest: Artifact headers must come in pairs")
	}
	var manifest bytes.Buffer
	fmt.Fprintf(&manifest, "Manifest-Version: 1.0\r\n")
	fmt.Fprintf(&manifest, "%s: %s\r\n", module.HeaderSymbolicName, symbolicName)
	if version != "" {
		fmt.Fprintf(&manifest, "%s: %s\r\n", module.HeaderVersion, version)
	}
	for i := 0; i < len(extra); i += 2 {
		fmt.Fprintf(&manifest, "%s: %s\r\n", extra[i], extra[i+1])
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(module.ManifestPath)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(manifest.Bytes()); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Fragment builds an archive for a fragment attached to host.
func Fragment(symbolicName, host string) []byte {
	return Artifact(symbolicName, "1.0.0", module.HeaderFragmentHost, host)
}
