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
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ImageType is the bitmask identifying which image(s) a transfer contains,
// as sent to the target in the START request.
type ImageType byte

const (
	ImageSoftDevice           ImageType = 0x01
	ImageBootloader           ImageType = 0x02
	ImageSoftDeviceBootloader ImageType = 0x03
	ImageApplication          ImageType = 0x04
)

func (t ImageType) String() string {
	switch t {
	case ImageSoftDevice:
		return "softdevice"
	case ImageBootloader:
		return "bootloader"
	case ImageSoftDeviceBootloader:
		return "softdevice+bootloader"
	case ImageApplication:
		return "application"
	}
	return "unknown"
}

// transferRank orders images the way every bootloader generation accepts:
// combined stack first, then softdevice, bootloader, application last.
func (t ImageType) transferRank() int {
	switch t {
	case ImageSoftDeviceBootloader:
		return 0
	case ImageSoftDevice:
		return 1
	case ImageBootloader:
		return 2
	case ImageApplication:
		return 3
	}
	return 4
}

// Image is one firmware image extracted from a bundle: the raw firmware, the
// init packet consumed opaquely by the bootloader, and for combined
// softdevice+bootloader images the size split from the manifest metadata.
type Image struct {
	Type       ImageType
	InitPacket []byte
	Firmware   []byte

	softDeviceSize uint32
	bootloaderSize uint32
}

// sizes returns the three fields of the START size header. They always sum
// to the firmware length.
func (img Image) sizes() (softdevice, bootloader, application uint32) {
	size := uint32(len(img.Firmware))
	switch img.Type {
	case ImageSoftDevice:
		return size, 0, 0
	case ImageBootloader:
		return 0, size, 0
	case ImageApplication:
		return 0, 0, size
	case ImageSoftDeviceBootloader:
		if img.softDeviceSize > 0 || img.bootloaderSize > 0 {
			return img.softDeviceSize, img.bootloaderSize, 0
		}
		// No split in the manifest; report the whole image as softdevice,
		// which legacy bootloaders accept for combined images.
		return size, 0, 0
	}
	return 0, 0, size
}

// Bundle is the parsed content of a Nordic DFU ZIP as produced by
// nrfutil pkg generate.
type Bundle struct {
	Name   string
	Images []Image
}

// TotalSize is the firmware byte count over all images.
func (b *Bundle) TotalSize() int64 {
	var total int64
	for _, img := range b.Images {
		total += int64(len(img.Firmware))
	}
	return total
}

// Checksum is the CRC-16 over all firmware images in transfer order, logged
// at session start for operator reference.
func (b *Bundle) Checksum() uint16 {
	c := NewCRC16()
	for _, img := range b.Images {
		c.Write(img.Firmware)
	}
	return c.Sum16()
}

var manifestImageTypes = map[string]ImageType{
	"softdevice":            ImageSoftDevice,
	"bootloader":            ImageBootloader,
	"softdevice_bootloader": ImageSoftDeviceBootloader,
	"application":           ImageApplication,
}

type manifestEntry struct {
	BinFile  string            `json:"bin_file"`
	DatFile  string            `json:"dat_file"`
	Metadata *combinedMetadata `json:"info_read_only_metadata"`
}

type combinedMetadata struct {
	SoftDeviceSize uint32 `json:"sd_size"`
	BootloaderSize uint32 `json:"bl_size"`
}

type manifestFile struct {
	Manifest map[string]*manifestEntry `json:"manifest"`
}

// OpenBundle reads a DFU ZIP and returns its images in transfer order. The
// firmware content itself is not validated; the target checks its own CRCs.
func OpenBundle(filename string) (*Bundle, error) {
	archive, err := zip.OpenReader(filename)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open firmware archive")
	}
	defer archive.Close()

	files := make(map[string]*zip.File)
	for _, f := range archive.File {
		files[f.Name] = f
	}

	manifestData, err := readArchiveFile(files, "manifest.json")
	if err != nil {
		return nil, newError(ErrBundleMalformed, "archive has no manifest.json")
	}

	var manifest manifestFile
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, newError(ErrBundleMalformed, "manifest.json is not valid JSON: %v", err)
	}
	if len(manifest.Manifest) == 0 {
		return nil, newError(ErrBundleMalformed, "manifest declares no images")
	}

	bundle := &Bundle{
		Name: strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)),
	}

	for group, entry := range manifest.Manifest {
		imageType, ok := manifestImageTypes[group]
		if !ok {
			return nil, newError(ErrBundleUnsupported, "unrecognized image group %q in manifest", group)
		}
		if entry == nil || entry.BinFile == "" || entry.DatFile == "" {
			return nil, newError(ErrBundleMalformed, "image group %q does not name both bin_file and dat_file", group)
		}

		firmware, err := readArchiveFile(files, entry.BinFile)
		if err != nil {
			return nil, newError(ErrBundleMalformed, "manifest names %q but the archive has no such file", entry.BinFile)
		}
		initPacket, err := readArchiveFile(files, entry.DatFile)
		if err != nil {
			return nil, newError(ErrBundleMalformed, "manifest names %q but the archive has no such file", entry.DatFile)
		}

		img := Image{
			Type:       imageType,
			InitPacket: initPacket,
			Firmware:   firmware,
		}
		if imageType == ImageSoftDeviceBootloader && entry.Metadata != nil {
			meta := entry.Metadata
			if meta.SoftDeviceSize+meta.BootloaderSize != uint32(len(firmware)) {
				return nil, newError(ErrBundleMalformed,
					"combined image metadata sizes %d+%d do not sum to the image length %d",
					meta.SoftDeviceSize, meta.BootloaderSize, len(firmware))
			}
			img.softDeviceSize = meta.SoftDeviceSize
			img.bootloaderSize = meta.BootloaderSize
		}

		bundle.Images = append(bundle.Images, img)
	}

	sort.Slice(bundle.Images, func(i, j int) bool {
		return bundle.Images[i].Type.transferRank() < bundle.Images[j].Type.transferRank()
	})

	return bundle, nil
}

func readArchiveFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, errors.Errorf("no entry %q in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", name)
	}
	defer rc.Close()

	return ioutil.ReadAll(rc)
}
