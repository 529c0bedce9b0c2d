// Copyright (C) 2019 OpenDisplay
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package dfu

import (
	"archive/zip"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, name string, entries map[string][]byte) (string, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "nrf-ota-test")
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	for entry, data := range entries {
		fw, err := w.Create(entry)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	return path, func() { os.RemoveAll(dir) }
}

func fillPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestOpenBundleApplication(t *testing.T) {
	firmware := fillPattern(4096)
	initPacket := fillPattern(32)

	path, cleanup := writeArchive(t, "blinky.zip", map[string][]byte{
		"manifest.json": []byte(`{"manifest": {"application": {"bin_file": "blinky.bin", "dat_file": "blinky.dat"}}}`),
		"blinky.bin":    firmware,
		"blinky.dat":    initPacket,
	})
	defer cleanup()

	bundle, err := OpenBundle(path)
	require.NoError(t, err)

	assert.Equal(t, "blinky", bundle.Name)
	require.Len(t, bundle.Images, 1)

	img := bundle.Images[0]
	assert.Equal(t, ImageApplication, img.Type)
	assert.Equal(t, firmware, img.Firmware)
	assert.Equal(t, initPacket, img.InitPacket)
	assert.Equal(t, int64(4096), bundle.TotalSize())

	softdevice, bootloader, application := img.sizes()
	assert.Equal(t, uint32(0), softdevice)
	assert.Equal(t, uint32(0), bootloader)
	assert.Equal(t, uint32(4096), application)
}

func TestOpenBundleCombinedMetadata(t *testing.T) {
	firmware := fillPattern(1000)

	path, cleanup := writeArchive(t, "stack.zip", map[string][]byte{
		"manifest.json": []byte(`{"manifest": {"softdevice_bootloader": {
			"bin_file": "sd_bl.bin", "dat_file": "sd_bl.dat",
			"info_read_only_metadata": {"sd_size": 700, "bl_size": 300}}}}`),
		"sd_bl.bin": firmware,
		"sd_bl.dat": fillPattern(14),
	})
	defer cleanup()

	bundle, err := OpenBundle(path)
	require.NoError(t, err)
	require.Len(t, bundle.Images, 1)

	img := bundle.Images[0]
	assert.Equal(t, ImageSoftDeviceBootloader, img.Type)

	softdevice, bootloader, application := img.sizes()
	assert.Equal(t, uint32(700), softdevice)
	assert.Equal(t, uint32(300), bootloader)
	assert.Equal(t, uint32(0), application)
}

func TestOpenBundleCombinedBadSplit(t *testing.T) {
	path, cleanup := writeArchive(t, "stack.zip", map[string][]byte{
		"manifest.json": []byte(`{"manifest": {"softdevice_bootloader": {
			"bin_file": "sd_bl.bin", "dat_file": "sd_bl.dat",
			"info_read_only_metadata": {"sd_size": 700, "bl_size": 400}}}}`),
		"sd_bl.bin": fillPattern(1000),
		"sd_bl.dat": fillPattern(14),
	})
	defer cleanup()

	_, err := OpenBundle(path)
	assert.True(t, IsKind(err, ErrBundleMalformed))
}

func TestOpenBundleTransferOrder(t *testing.T) {
	path, cleanup := writeArchive(t, "full.zip", map[string][]byte{
		"manifest.json": []byte(`{"manifest": {
			"application": {"bin_file": "app.bin", "dat_file": "app.dat"},
			"softdevice_bootloader": {"bin_file": "sd_bl.bin", "dat_file": "sd_bl.dat"}}}`),
		"app.bin":   fillPattern(100),
		"app.dat":   fillPattern(14),
		"sd_bl.bin": fillPattern(200),
		"sd_bl.dat": fillPattern(14),
	})
	defer cleanup()

	bundle, err := OpenBundle(path)
	require.NoError(t, err)
	require.Len(t, bundle.Images, 2)

	assert.Equal(t, ImageSoftDeviceBootloader, bundle.Images[0].Type)
	assert.Equal(t, ImageApplication, bundle.Images[1].Type)
	assert.Equal(t, int64(300), bundle.TotalSize())
}

func TestOpenBundleMalformed(t *testing.T) {
	testcases := map[string]map[string][]byte{
		"no_manifest": {
			"app.bin": fillPattern(10),
		},
		"invalid_json": {
			"manifest.json": []byte(`{"manifest": `),
		},
		"empty_manifest": {
			"manifest.json": []byte(`{"manifest": {}}`),
		},
		"missing_bin": {
			"manifest.json": []byte(`{"manifest": {"application": {"bin_file": "app.bin", "dat_file": "app.dat"}}}`),
			"app.dat":       fillPattern(14),
		},
		"missing_dat": {
			"manifest.json": []byte(`{"manifest": {"application": {"bin_file": "app.bin", "dat_file": "app.dat"}}}`),
			"app.bin":       fillPattern(10),
		},
		"unnamed_files": {
			"manifest.json": []byte(`{"manifest": {"application": {}}}`),
		},
	}

	for name, entries := range testcases {
		t.Run(name, func(t *testing.T) {
			path, cleanup := writeArchive(t, "fw.zip", entries)
			defer cleanup()

			_, err := OpenBundle(path)
			assert.True(t, IsKind(err, ErrBundleMalformed), "expected BundleMalformed, got %v", err)
		})
	}
}

func TestOpenBundleUnsupportedGroup(t *testing.T) {
	path, cleanup := writeArchive(t, "fw.zip", map[string][]byte{
		"manifest.json": []byte(`{"manifest": {"mesh_application": {"bin_file": "app.bin", "dat_file": "app.dat"}}}`),
		"app.bin":       fillPattern(10),
		"app.dat":       fillPattern(14),
	})
	defer cleanup()

	_, err := OpenBundle(path)
	assert.True(t, IsKind(err, ErrBundleUnsupported))
}

func TestImageSizesSumToLength(t *testing.T) {
	for _, imageType := range []ImageType{ImageSoftDevice, ImageBootloader, ImageApplication, ImageSoftDeviceBootloader} {
		img := Image{Type: imageType, Firmware: fillPattern(512)}
		softdevice, bootloader, application := img.sizes()
		assert.Equal(t, uint32(512), softdevice+bootloader+application, "type %s", imageType)
	}
}
