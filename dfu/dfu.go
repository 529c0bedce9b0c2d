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
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/opendisplay/nrf-ota/ble"
)

type DfuProgress func(value int64, maxValue int64, info string)

type FirmwareUpdater interface {
	SetDeviceAddress(address string)
	SetDeviceName(name string)
	SetPacketsPerReceipt(num uint16)
	Update(filename string, progress DfuProgress) error
	EnterBootloader() error
}

type Dfu struct {
	client     ble.Client
	peripheral ble.Peripheral

	packet  ble.Characteristic
	control ble.Characteristic

	name            string
	address         string
	responseChannel chan []byte
	timeout         time.Duration
	receiptInterval uint16

	progress         DfuProgress
	maxProgressValue int64
	progressValue    int64
	progressBase     int64
}

// Notifications cross from the transport callback into this channel; the
// buffer covers a full receipt window plus queued responses.
const notificationBacklog = 64

// DefaultPacketsPerReceipt is the flow-control window: 10 packets between
// receipt notifications, reduced to 8 on macOS where CoreBluetooth buffers
// write-without-response conservatively.
func DefaultPacketsPerReceipt() uint16 {
	if runtime.GOOS == "darwin" {
		return 8
	}
	return 10
}

func NewDfu(bleClient ble.Client, timeout time.Duration) FirmwareUpdater {
	dfu := new(Dfu)
	dfu.client = bleClient
	dfu.timeout = timeout
	dfu.receiptInterval = DefaultPacketsPerReceipt()
	return dfu
}

func (dfu *Dfu) SetDeviceAddress(address string) {
	dfu.address = address
	dfu.name = ""
}

func (dfu *Dfu) SetDeviceName(name string) {
	dfu.address = ""
	dfu.name = name
}

func (dfu *Dfu) SetPacketsPerReceipt(num uint16) {
	if num > 0 {
		dfu.receiptInterval = num
	}
}

func (dfu *Dfu) connect() (err error) {
	var peripheral ble.Peripheral

	if dfu.address != "" {
		jww.INFO.Printf("Connecting to '%s'\n", dfu.address)
		peripheral, err = dfu.client.ConnectAddress(dfu.address, dfu.timeout)
	} else if dfu.name != "" {
		jww.INFO.Printf("Connecting to '%s'\n", dfu.name)
		peripheral, err = dfu.client.ConnectName(dfu.name, dfu.timeout)
	} else {
		return errors.New("no device name or address configured")
	}

	if err != nil {
		return errors.Wrap(err, "failed to connect to device")
	}

	return dfu.attach(peripheral)
}

// attach binds the session to a connected peripheral and resolves the DFU
// characteristics.
func (dfu *Dfu) attach(peripheral ble.Peripheral) error {
	dfu.peripheral = peripheral

	service := peripheral.FindService(dfuServiceUUID)
	if service == nil {
		dfu.disconnect()
		return newError(ErrNoDFUService, "device does not expose the DFU service")
	}

	dfu.control = service.FindCharacteristic(dfuControlPointUUID)
	dfu.packet = service.FindCharacteristic(dfuPacketUUID)

	if dfu.control == nil {
		dfu.disconnect()
		return newError(ErrNoDFUService, "DFU service has no control point characteristic")
	}

	return nil
}

func (dfu *Dfu) disconnect() {
	if dfu.peripheral != nil {
		peripheral := dfu.peripheral

		dfu.peripheral = nil
		dfu.control = nil
		dfu.packet = nil

		peripheral.Disconnect()
	}
}

// inApplicationMode reports whether the connected device is still running its
// application: the packet characteristic is absent, or the advertised name
// does not look like a bootloader.
func (dfu *Dfu) inApplicationMode() bool {
	if dfu.packet == nil {
		return true
	}
	name := dfu.peripheral.Name()
	return name != "" && !isBootloaderName(name)
}

// subscribe starts delivery of control-point notifications into a fresh
// channel, discarding anything left over from a previous image.
func (dfu *Dfu) subscribe() error {
	dfu.responseChannel = make(chan []byte, notificationBacklog)
	responses := dfu.responseChannel

	err := dfu.control.Subscribe(ble.SubscriptionTypeNotification, func(data []byte) {
		responses <- data
	})
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to control characteristic")
	}
	return nil
}

func (dfu *Dfu) updateProgress(imageBytes int64) {
	value := dfu.progressBase + imageBytes
	if value < dfu.progressValue {
		return
	}
	dfu.progressValue = value
	if dfu.progress != nil {
		dfu.progress(value, dfu.maxProgressValue, "")
	}
}

func (dfu *Dfu) Update(filename string, progress DfuProgress) error {
	bundle, err := OpenBundle(filename)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware bundle")
	}

	jww.INFO.Printf("Loaded bundle '%s': %d image(s), %d bytes, crc 0x%04X\n",
		bundle.Name, len(bundle.Images), bundle.TotalSize(), bundle.Checksum())

	dfu.progress = progress
	dfu.progressValue = 0
	dfu.progressBase = 0
	dfu.maxProgressValue = bundle.TotalSize()

	err = dfu.connect()
	if err != nil {
		return errors.Wrap(err, "failed to connect to peripheral")
	}
	defer dfu.disconnect()

	address := dfu.peripheral.Addr()
	name := dfu.peripheral.Name()

	if dfu.inApplicationMode() {
		jww.INFO.Println("Device is in application mode. Rebooting into bootloader.")
		err = dfu.triggerBootloader()
		if err != nil {
			return errors.Wrap(err, "failed to reboot device into bootloader")
		}
		err = dfu.reconnectBootloader(address, name)
		if err != nil {
			return err
		}
	}

	for i, img := range bundle.Images {
		if i > 0 {
			// The previous activation rebooted the target.
			err = dfu.reconnectBootloader(address, name)
			if err != nil {
				return err
			}
		}

		err = dfu.subscribe()
		if err != nil {
			return err
		}

		err = dfu.transferImage(img)
		if err != nil {
			return err
		}

		dfu.progressBase += int64(len(img.Firmware))
		dfu.disconnect()
	}

	jww.INFO.Printf("Firmware update of '%s' complete.\n", deviceLabel(address, name))
	return nil
}

func (dfu *Dfu) EnterBootloader() error {
	err := dfu.connect()
	if err != nil {
		return errors.Wrap(err, "failed to connect to peripheral")
	}
	defer dfu.disconnect()

	if !dfu.inApplicationMode() {
		jww.INFO.Println("Bootloader already active.")
		return nil
	}

	address := dfu.peripheral.Addr()
	name := dfu.peripheral.Name()

	jww.INFO.Println("Switching to DFU mode.")
	err = dfu.triggerBootloader()
	if err != nil {
		return errors.Wrap(err, "failed to enter bootloader")
	}

	return dfu.reconnectBootloader(address, name)
}

// Scan returns the named devices observed within the window, one entry per
// address.
func Scan(client ble.Client, duration time.Duration) ([]ble.Advertisement, error) {
	devices := []ble.Advertisement{}
	seen := make(map[string]bool)

	err := client.Scan(duration, func(adv ble.Advertisement) {
		if adv.Name == "" || seen[adv.Addr] {
			return
		}
		seen[adv.Addr] = true
		devices = append(devices, adv)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan for devices")
	}
	return devices, nil
}

// HasDFUService reports whether an advertisement carries the DFU service
// UUID, in either 16-bit or 128-bit form.
func HasDFUService(adv ble.Advertisement) bool {
	for _, s := range adv.Services {
		normalized := strings.Replace(strings.ToLower(s), "-", "", -1)
		if normalized == "1530" || normalized == strings.Replace(dfuServiceUUID, "-", "", -1) {
			return true
		}
	}
	return false
}
