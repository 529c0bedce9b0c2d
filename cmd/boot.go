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
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/opendisplay/nrf-ota/ble"
	"github.com/opendisplay/nrf-ota/dfu"
)

type bootCommand struct {
	*baseCommand

	timeout time.Duration
	device  string
}

func newBootCommand() *bootCommand {
	c := &bootCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "boot",
		Short: "Reboot device into DFU mode",
		Long: `This command reboots an nRF51 or nRF52 device into DFU mode through the
Buttonless DFU characteristic. Note that the dfu command automatically reboots
into DFU mode if needed.`,
		Example: `nrf-ota boot --device OD216205
nrf-ota boot --device cf:4d:0f:5b:02:a1 --timeout=20s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBoot()
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connecting to device")
	c.cmd.Flags().StringVarP(&c.device, "device", "d", "", "Name or address of the device to be rebooted")

	return c
}

func (c *bootCommand) runBoot() error {
	if c.device == "" {
		return errors.New("No device specified. Use --device to select a device by name or address.")
	}

	jww.INFO.Printf("Rebooting device '%s' into DFU mode\n", c.device)

	bleClient, err := ble.NewClient()
	if err != nil {
		return errors.Wrap(err, "failed to create new BLE client")
	}

	updater := dfu.NewDfu(bleClient, c.timeout)
	selectDevice(updater, c.device)

	err = updater.EnterBootloader()
	if err != nil {
		return errors.Wrap(err, "failed to boot device into DFU mode")
	}

	return nil
}
