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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/opendisplay/nrf-ota/ble"
)

// isBootloaderName reports whether an advertised name looks like a Nordic
// bootloader: the stock DfuTarg, or an application name with a Dfu suffix.
func isBootloaderName(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "dfutarg") || strings.HasSuffix(lower, "dfu")
}

// adjacentAddress reports whether two addresses differ by at most one in the
// last octet. Nordic bootloaders increment the static address by one in some
// SDK configurations.
func adjacentAddress(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return true
	}

	ai := strings.LastIndex(a, ":")
	bi := strings.LastIndex(b, ":")
	if ai < 0 || bi < 0 || a[:ai] != b[:bi] {
		return false
	}

	alast, err := strconv.ParseUint(a[ai+1:], 16, 8)
	if err != nil {
		return false
	}
	blast, err := strconv.ParseUint(b[bi+1:], 16, 8)
	if err != nil {
		return false
	}

	diff := int(alast) - int(blast)
	return diff == 1 || diff == -1
}

// bootloaderFilter matches the rebooted device: same address, address off by
// one, or a name carrying DfuTarg or the original application name.
func bootloaderFilter(address, name string) ble.AdvertisementFilter {
	return func(adv ble.Advertisement) bool {
		if address != "" && adjacentAddress(address, adv.Addr) {
			return true
		}
		if adv.Name == "" {
			return false
		}
		if strings.Contains(strings.ToLower(adv.Name), "dfutarg") {
			return true
		}
		if name != "" && strings.Contains(strings.ToLower(adv.Name), strings.ToLower(name)) {
			return true
		}
		return false
	}
}

// triggerBootloader writes the buttonless reboot command to the control point
// of an application-mode device and drops the connection. The target reboots
// into its bootloader within about a second.
func (dfu *Dfu) triggerBootloader() error {
	err := dfu.control.WriteCharacteristic([]byte{buttonlessEnterBootloader}, ble.NoResponse)
	if err != nil {
		return errors.Wrap(err, "failed to send buttonless reboot command")
	}

	dfu.disconnect()
	return nil
}

// reconnectBootloader scans for the device after a reboot and reconnects to
// its bootloader, matching on the pre-reboot address and name.
func (dfu *Dfu) reconnectBootloader(address, name string) error {
	jww.INFO.Printf("Waiting for bootloader of '%s' to advertise\n", deviceLabel(address, name))

	peripheral, err := dfu.client.ConnectMatching(dfu.timeout, bootloaderFilter(address, name))
	if err != nil {
		return newError(ErrDeviceNotFound, "device '%s' did not reappear after reboot", deviceLabel(address, name))
	}

	jww.INFO.Printf("Connected to '%s' (%s)\n", peripheral.Addr(), peripheral.Name())

	err = dfu.attach(peripheral)
	if err != nil {
		return err
	}
	if dfu.packet == nil {
		dfu.disconnect()
		return newError(ErrNoDFUService, "bootloader does not expose the packet characteristic")
	}
	return nil
}

func deviceLabel(address, name string) string {
	if name != "" && address != "" {
		return fmt.Sprintf("%s/%s", name, address)
	}
	if name != "" {
		return name
	}
	return address
}
