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

package cmd

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	pb "gopkg.in/cheggaaa/pb.v2"

	"github.com/opendisplay/nrf-ota/ble"
	"github.com/opendisplay/nrf-ota/dfu"
)

type dfuCommand struct {
	*baseCommand

	timeout time.Duration
	device  string
	packets uint16
}

// A colon-separated 6-byte hex string selects by address; anything else is a
// case-insensitive name substring.
var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func selectDevice(updater dfu.FirmwareUpdater, device string) {
	if addressPattern.MatchString(device) {
		updater.SetDeviceAddress(device)
	} else {
		updater.SetDeviceName(device)
	}
}

func newDfuCommand() *dfuCommand {
	c := &dfuCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "dfu <firmware.zip>",
		Short: "Perform device firmware upgrade",
		Args:  cobra.ExactArgs(1),
		Long: `This command performs a firmware upgrade of an nRF51 or nRF52 device from a
Nordic DFU archive. If the device is still running its application and supports
Buttonless DFU, it is first rebooted into the bootloader.`,
		Example: `nrf-ota dfu app_dfu_package.zip --device OD216205
nrf-ota dfu app_dfu_package.zip --device cf:4d:0f:5b:02:a1 --timeout=20s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDfu(cmd, args[0])
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connects, responses and rediscovery")
	c.cmd.Flags().StringVarP(&c.device, "device", "d", "", "Name or address of the device to be upgraded")
	c.cmd.Flags().Uint16VarP(&c.packets, "packets", "p", 0, "Data packets per receipt notification (default 10, 8 on macOS)")
	return c
}

func (c *dfuCommand) runDfu(cmd *cobra.Command, firmwareFilename string) error {
	if c.device == "" {
		return errors.New("No device specified. Use --device to select a device by name or address.")
	}

	jww.INFO.Printf("Upgrading firmware of device '%s' with '%s'\n", c.device, firmwareFilename)

	bleClient, err := ble.NewClient()
	if err != nil {
		return errors.Wrap(err, "failed to create new BLE client")
	}

	timeout := c.timeout
	if !cmd.Flags().Changed("timeout") && c.cli.defaults.Timeout != "" {
		if d, err := time.ParseDuration(c.cli.defaults.Timeout); err == nil {
			timeout = d
		}
	}

	updater := dfu.NewDfu(bleClient, timeout)
	selectDevice(updater, c.device)

	packets := c.packets
	if packets == 0 {
		packets = c.cli.defaults.PacketsPerReceipt
	}
	updater.SetPacketsPerReceipt(packets)

	var bar *pb.ProgressBar = nil

	err = updater.Update(firmwareFilename, func(value int64, maxValue int64, info string) {
		if c.cli.Quiet {
			return
		}
		if bar == nil {
			bar = pb.ProgressBarTemplate(`{{ white "DFU:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start(100)
		}
		if bar.Total() != maxValue {
			bar.SetTotal(maxValue)
		}
		bar.SetCurrent(value)
	})

	if bar != nil {
		bar.Finish()
	}

	if err != nil {
		return errors.Wrap(err, "failed to upgrade device firmware")
	}

	return nil
}
