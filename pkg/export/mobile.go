// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Entries of the mobile package archive.
const (
	MobileModelEntry    = "model.gmlx"
	MobileMetadataEntry = "metadata.json"
	MobileManifestEntry = "MANIFEST"
)

// WriteMobilePackage writes the xz compressed tar archive with the scripted module (with the given weights,
// typically float16 or int8), the metadata and a MANIFEST with the sha256 sums of both.
func WriteMobilePackage(w io.Writer, arch Architecture, meta *manifest.Metadata, ws *Weights) error {
	var module bytes.Buffer
	if err := WriteScripted(&module, arch, meta, ws); err != nil {
		return err
	}
	metaJSON, err := meta.JSON()
	if err != nil {
		return err
	}
	var sums strings.Builder
	files := []struct {
		name     string
		contents []byte
	}{
		{MobileModelEntry, module.Bytes()},
		{MobileMetadataEntry, metaJSON},
	}
	for _, file := range files {
		sum := sha256.Sum256(file.contents)
		fmt.Fprintf(&sums, "%s  %s\n", hex.EncodeToString(sum[:]), file.name)
	}
	files = append(files, struct {
		name     string
		contents []byte
	}{MobileManifestEntry, []byte(sums.String())})

	xw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to create xz writer")
	}
	tw := tar.NewWriter(xw)
	modTime := time.Unix(0, 0)
	for _, file := range files {
		header := &tar.Header{
			Name:    file.name,
			Mode:    0o644,
			Size:    int64(len(file.contents)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return errors.Wrapf(err, "failed to write %q to the mobile package", file.name)
		}
		if _, err := tw.Write(file.contents); err != nil {
			return errors.Wrapf(err, "failed to write %q to the mobile package", file.name)
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish the mobile package archive")
	}
	return errors.Wrap(xw.Close(), "failed to finish the mobile package compression")
}

// ReadMobilePackage reads the mobile package at path, verifies the sha256 sums of its MANIFEST, and loads
// the scripted module it contains.
func ReadMobilePackage(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mobile package")
	}
	defer func() { _ = f.Close() }()
	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "mobile package %q is not xz compressed", path)
	}
	entries := make(map[string][]byte)
	tr := tar.NewReader(xr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read mobile package %q", path)
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q from mobile package %q", header.Name, path)
		}
		entries[header.Name] = contents
	}

	sums, found := entries[MobileManifestEntry]
	if !found {
		return nil, errors.Errorf("mobile package %q has no %s", path, MobileManifestEntry)
	}
	verified := 0
	for _, line := range strings.Split(strings.TrimSpace(string(sums)), "\n") {
		want, name, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, errors.Errorf("mobile package %q: malformed %s line %q", path, MobileManifestEntry, line)
		}
		contents, found := entries[name]
		if !found {
			return nil, errors.Errorf("mobile package %q: %q listed in %s is missing", path, name, MobileManifestEntry)
		}
		sum := sha256.Sum256(contents)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, errors.Errorf("mobile package %q: checksum mismatch for %q", path, name)
		}
		verified++
	}
	if verified != len(entries)-1 {
		return nil, errors.Errorf("mobile package %q: %d entries not listed in %s", path, len(entries)-1-verified, MobileManifestEntry)
	}

	module, err := ReadScripted(bytes.NewReader(entries[MobileModelEntry]))
	if err != nil {
		return nil, errors.WithMessagef(err, "mobile package %q", path)
	}
	if metaJSON, found := entries[MobileMetadataEntry]; found {
		if module.Metadata, err = manifest.ParseMetadata(metaJSON); err != nil {
			return nil, errors.WithMessagef(err, "mobile package %q", path)
		}
	}
	return module, nil
}
