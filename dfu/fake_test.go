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
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/opendisplay/nrf-ota/ble"
)

// fakeTarget scripts a legacy DFU bootloader on the far side of the fake
// characteristics. Responses are emitted synchronously into the session's
// notification channel.
type fakeTarget struct {
	notify func([]byte)

	// behavior knobs
	failStatus       map[byte]byte // opcode -> status instead of SUCCESS
	silentOps        map[byte]bool // opcode -> never answer
	misreportReceipt bool
	activateDelay    time.Duration
	holdOnActivate   bool // never drop the link after ACTIVATE

	// observed traffic
	controlWrites   [][]byte
	triggerWrites   [][]byte // writes without response on the control point
	sizeHeader      []byte
	initData        []byte
	dataWrites      [][]byte
	receiptCount    int
	maxWritesInARow uint16

	// protocol state
	prn            uint16
	expectHeader   bool
	collectingInit bool
	transferring   bool
	totalSize      uint32
	received       uint32
	sinceReceipt   uint16

	dropLink func()
}

func (tg *fakeTarget) respond(op byte) {
	status := byte(DFU_RESULT_SUCCESS)
	if s, ok := tg.failStatus[op]; ok {
		status = s
	}
	tg.notify([]byte{byte(DFU_OP_RESPONSE), op, status})
}

func (tg *fakeTarget) handleControl(data []byte, noresp bool) error {
	if noresp {
		tg.triggerWrites = append(tg.triggerWrites, append([]byte(nil), data...))
		return nil
	}
	tg.controlWrites = append(tg.controlWrites, append([]byte(nil), data...))

	op := data[0]
	if tg.silentOps[op] {
		return nil
	}

	switch dfuOperation(op) {
	case DFU_OP_START_DFU:
		tg.expectHeader = true
	case DFU_OP_INIT_DFU_PARAMS:
		switch data[1] {
		case initPacketReceive:
			tg.collectingInit = true
		case initPacketComplete:
			tg.collectingInit = false
			tg.respond(op)
		}
	case DFU_OP_PACKET_RECEIPT_SET:
		tg.prn = binary.LittleEndian.Uint16(data[1:3])
	case DFU_OP_RECEIVE_FIRMWARE_IMAGE:
		tg.transferring = true
		tg.received = 0
		tg.sinceReceipt = 0
	case DFU_OP_VALIDATE_FIRMWARE:
		tg.respond(op)
	case DFU_OP_ACTIVATE_AND_RESET:
		if !tg.holdOnActivate {
			delay := tg.activateDelay
			drop := tg.dropLink
			go func() {
				time.Sleep(delay)
				drop()
			}()
		}
	}
	return nil
}

func (tg *fakeTarget) handlePacket(data []byte, noresp bool) error {
	if tg.expectHeader {
		tg.expectHeader = false
		tg.sizeHeader = append([]byte(nil), data...)
		tg.totalSize = binary.LittleEndian.Uint32(data[0:]) +
			binary.LittleEndian.Uint32(data[4:]) +
			binary.LittleEndian.Uint32(data[8:])
		tg.respond(byte(DFU_OP_START_DFU))
		return nil
	}

	if tg.collectingInit {
		tg.initData = append(tg.initData, data...)
		return nil
	}

	if tg.transferring {
		tg.dataWrites = append(tg.dataWrites, append([]byte(nil), data...))
		tg.received += uint32(len(data))
		tg.sinceReceipt++
		if tg.sinceReceipt > tg.maxWritesInARow {
			tg.maxWritesInARow = tg.sinceReceipt
		}

		if tg.prn > 0 && tg.sinceReceipt == tg.prn {
			tg.sinceReceipt = 0
			tg.receiptCount++
			reported := tg.received
			if tg.misreportReceipt {
				reported++
			}
			frame := make([]byte, 5)
			frame[0] = byte(DFU_OP_PACKET_RECEIPT_NOTIF)
			binary.LittleEndian.PutUint32(frame[1:], reported)
			tg.notify(frame)
		}

		if tg.received == tg.totalSize {
			tg.transferring = false
			tg.respond(byte(DFU_OP_RECEIVE_FIRMWARE_IMAGE))
		}
	}
	return nil
}

type fakeCharacteristic struct {
	uuid        string
	write       func(data []byte, noresp bool) error
	onSubscribe func(f func([]byte))
}

func (c *fakeCharacteristic) Uuid() string { return c.uuid }

func (c *fakeCharacteristic) WriteCharacteristic(data []byte, noresp bool) error {
	return c.write(append([]byte(nil), data...), noresp)
}

func (c *fakeCharacteristic) Subscribe(indication bool, f func([]byte)) error {
	if c.onSubscribe != nil {
		c.onSubscribe(f)
	}
	return nil
}

func (c *fakeCharacteristic) Unsubscribe(indication bool) error { return nil }

type fakeService struct {
	control ble.Characteristic
	packet  ble.Characteristic
}

func (s *fakeService) Uuid() string { return dfuServiceUUID }

func (s *fakeService) FindCharacteristic(uuid string) ble.Characteristic {
	switch uuid {
	case dfuControlPointUUID:
		if s.control == nil {
			return nil
		}
		return s.control
	case dfuPacketUUID:
		if s.packet == nil {
			return nil
		}
		return s.packet
	}
	return nil
}

type fakePeripheral struct {
	addr    string
	name    string
	service *fakeService

	dropOnce     sync.Once
	disconnected chan struct{}
}

func newFakePeripheral(addr, name string, service *fakeService) *fakePeripheral {
	return &fakePeripheral{
		addr:         addr,
		name:         name,
		service:      service,
		disconnected: make(chan struct{}),
	}
}

func (p *fakePeripheral) Addr() string { return p.addr }
func (p *fakePeripheral) Name() string { return p.name }

func (p *fakePeripheral) Disconnect() error {
	p.drop()
	return nil
}

func (p *fakePeripheral) drop() {
	p.dropOnce.Do(func() { close(p.disconnected) })
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *fakePeripheral) FindService(uuid string) ble.Service {
	if p.service == nil || uuid != dfuServiceUUID {
		return nil
	}
	return p.service
}

func (p *fakePeripheral) FindCharacteristic(uuid string) ble.Characteristic {
	if p.service == nil {
		return nil
	}
	return p.service.FindCharacteristic(uuid)
}

// fakeClient resolves connects against a fixed set of advertisements. A
// peripheral whose link has dropped no longer connects, the way a rebooted
// device's old advertisement disappears.
type fakeClient struct {
	advertisements []ble.Advertisement
	peripherals    map[string]*fakePeripheral
}

func (c *fakeClient) alive(addr string) (*fakePeripheral, bool) {
	p, ok := c.peripherals[addr]
	if !ok {
		return nil, false
	}
	select {
	case <-p.disconnected:
		return nil, false
	default:
		return p, true
	}
}

func (c *fakeClient) ConnectAddress(address string, timeout time.Duration) (ble.Peripheral, error) {
	if p, ok := c.alive(address); ok {
		return p, nil
	}
	return nil, errors.Errorf("no device at %s", address)
}

func (c *fakeClient) ConnectName(name string, timeout time.Duration) (ble.Peripheral, error) {
	return c.ConnectMatching(timeout, func(adv ble.Advertisement) bool {
		return adv.Name == name
	})
}

func (c *fakeClient) ConnectMatching(timeout time.Duration, filter ble.AdvertisementFilter) (ble.Peripheral, error) {
	for _, adv := range c.advertisements {
		if filter(adv) {
			if p, ok := c.alive(adv.Addr); ok {
				return p, nil
			}
		}
	}
	return nil, errors.New("connect timed out")
}

func (c *fakeClient) Scan(duration time.Duration, handler ble.AdvertisementHandler) error {
	for _, adv := range c.advertisements {
		handler(adv)
	}
	return nil
}

// newTestSession wires a Dfu directly to a fake target, bypassing discovery.
func newTestSession(tg *fakeTarget, prn uint16, timeout time.Duration) (*Dfu, *fakePeripheral) {
	control := &fakeCharacteristic{uuid: dfuControlPointUUID, write: tg.handleControl}
	packet := &fakeCharacteristic{uuid: dfuPacketUUID, write: tg.handlePacket}
	service := &fakeService{control: control, packet: packet}
	peripheral := newFakePeripheral("cf:4d:0f:5b:02:a1", "DfuTarg", service)

	dfu := &Dfu{
		timeout:         timeout,
		receiptInterval: prn,
		responseChannel: make(chan []byte, notificationBacklog),
	}
	dfu.peripheral = peripheral
	dfu.control = control
	dfu.packet = packet

	tg.notify = func(data []byte) { dfu.responseChannel <- data }
	tg.dropLink = peripheral.drop

	return dfu, peripheral
}
