// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestMobilePackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), MobileFile)
	ws := QuantizeFloat16(testWeights())
	arch := NewArchitecture(testModel(t, "custom"))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteMobilePackage(f, arch, testMetadata(), ws))
	require.NoError(t, f.Close())

	module, err := ReadMobilePackage(path)
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), module.Metadata)
	assert.Equal(t, arch, module.Architecture)
	require.Len(t, module.Weights.List, len(ws.List))
	for ii, w := range ws.List {
		got := module.Weights.List[ii]
		assert.Equal(t, Float16, got.Encoding)
		assert.Equal(t, w.Half, got.Half)
	}
}

// writeTarXZ writes an archive with the given entries, in order.
func writeTarXZ(t *testing.T, path string, entries [][2]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	xw, err := xz.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(xw)
	for _, entry := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: entry[0], Mode: 0o644, Size: int64(len(entry[1]))}))
		_, err = tw.Write([]byte(entry[1]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
	require.NoError(t, f.Close())
}

func TestMobilePackageChecksums(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad_sum.tar.xz")
	writeTarXZ(t, path, [][2]string{
		{MobileMetadataEntry, "{}"},
		{MobileManifestEntry, "0000  " + MobileMetadataEntry + "\n"},
	})
	_, err := ReadMobilePackage(path)
	require.ErrorContains(t, err, "checksum mismatch")

	path = filepath.Join(dir, "no_manifest.tar.xz")
	writeTarXZ(t, path, [][2]string{{MobileMetadataEntry, "{}"}})
	_, err = ReadMobilePackage(path)
	require.ErrorContains(t, err, "has no MANIFEST")

	path = filepath.Join(dir, "not_xz.tar.xz")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))
	_, err = ReadMobilePackage(path)
	require.Error(t, err)
}
