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
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/opendisplay/nrf-ota/ble"
)

type dfuOperation byte

const (
	DFU_OP_START_DFU              dfuOperation = 0x01
	DFU_OP_INIT_DFU_PARAMS        dfuOperation = 0x02
	DFU_OP_RECEIVE_FIRMWARE_IMAGE dfuOperation = 0x03
	DFU_OP_VALIDATE_FIRMWARE      dfuOperation = 0x04
	DFU_OP_ACTIVATE_AND_RESET     dfuOperation = 0x05
	DFU_OP_PACKET_RECEIPT_SET     dfuOperation = 0x08
	DFU_OP_RESPONSE               dfuOperation = 0x10
	DFU_OP_PACKET_RECEIPT_NOTIF   dfuOperation = 0x11
)

const (
	initPacketReceive  = 0x00
	initPacketComplete = 0x01

	buttonlessEnterBootloader = 0x01
)

type dfuResult byte

const (
	DFU_RESULT_SUCCESS           dfuResult = 0x01
	DFU_RESULT_INVALID_STATE     dfuResult = 0x02
	DFU_RESULT_NOT_SUPPORTED     dfuResult = 0x03
	DFU_RESULT_DATA_SIZE_EXCEEDS dfuResult = 0x04
	DFU_RESULT_CRC_ERROR         dfuResult = 0x05
	DFU_RESULT_OPERATION_FAILED  dfuResult = 0x06
)

func (r dfuResult) String() string {
	switch r {
	case DFU_RESULT_SUCCESS:
		return "SUCCESS"
	case DFU_RESULT_INVALID_STATE:
		return "INVALID_STATE"
	case DFU_RESULT_NOT_SUPPORTED:
		return "NOT_SUPPORTED"
	case DFU_RESULT_DATA_SIZE_EXCEEDS:
		return "DATA_SIZE_EXCEEDS_LIMIT"
	case DFU_RESULT_CRC_ERROR:
		return "CRC_ERROR"
	case DFU_RESULT_OPERATION_FAILED:
		return "OPERATION_FAILED"
	}
	return "UNKNOWN"
}

const (
	dfuServiceUUID      = "00001530-1212-efde-1523-785feabcd123"
	dfuControlPointUUID = "00001531-1212-efde-1523-785feabcd123"
	dfuPacketUUID       = "00001532-1212-efde-1523-785feabcd123"
)

// A packet characteristic write carries at most 20 payload bytes.
const packetSize = 20

// activationTimeout bounds how long to wait for the post-activation
// disconnect. A var so tests can shorten it.
var activationTimeout = 5 * time.Second

const (
	phaseStart    = "START"
	phaseInit     = "INIT"
	phaseTransfer = "TRANSFER"
	phaseValidate = "VALIDATE"
	phaseActivate = "ACTIVATE"
)

func (dfu *Dfu) writeControl(data []byte) error {
	err := dfu.control.WriteCharacteristic(data, ble.WithResponse)
	if err != nil {
		return newError(ErrTransport, "failed to write to control characteristic: %v", err)
	}
	return nil
}

func (dfu *Dfu) writePacket(data []byte) error {
	err := dfu.packet.WriteCharacteristic(data, ble.NoResponse)
	if err != nil {
		return newError(ErrTransport, "failed to write to packet characteristic: %v", err)
	}
	return nil
}

// awaitResponse waits for a RESPONSE frame for the given request opcode.
// Receipt notifications still queued from the previous transfer window are
// drained and discarded.
func (dfu *Dfu) awaitResponse(opcode dfuOperation, phase string) ([]byte, error) {
	for {
		select {
		case response := <-dfu.responseChannel:
			if len(response) == 0 {
				continue
			}
			switch dfuOperation(response[0]) {
			case DFU_OP_PACKET_RECEIPT_NOTIF:
				continue
			case DFU_OP_RESPONSE:
				if len(response) < 3 {
					return nil, newError(ErrProtocol, "short response frame % X", response)
				}
				if dfuOperation(response[1]) != opcode {
					return nil, newError(ErrProtocol,
						"received response for operation 0x%02X while awaiting 0x%02X",
						response[1], byte(opcode))
				}
				if result := dfuResult(response[2]); result != DFU_RESULT_SUCCESS {
					jww.ERROR.Printf("Target reported %s in phase %s\n", result, phase)
					return nil, protocolError(opcode, result)
				}
				return response[3:], nil
			default:
				return nil, newError(ErrProtocol, "unexpected notification opcode 0x%02X", response[0])
			}
		case <-time.After(dfu.timeout):
			return nil, timeoutError(phase)
		}
	}
}

// awaitReceipt waits for a PACKET_RECEIPT_NOTIFICATION and returns the
// cumulative byte count the target reports for the current image.
func (dfu *Dfu) awaitReceipt() (uint32, error) {
	select {
	case response := <-dfu.responseChannel:
		if len(response) == 0 {
			return 0, newError(ErrProtocol, "empty notification while awaiting receipt")
		}
		switch dfuOperation(response[0]) {
		case DFU_OP_PACKET_RECEIPT_NOTIF:
			if len(response) < 5 {
				return 0, newError(ErrProtocol, "short receipt notification % X", response)
			}
			return binary.LittleEndian.Uint32(response[1:5]), nil
		case DFU_OP_RESPONSE:
			if len(response) >= 3 && dfuResult(response[2]) != DFU_RESULT_SUCCESS {
				return 0, protocolError(dfuOperation(response[1]), dfuResult(response[2]))
			}
			return 0, newError(ErrProtocol, "unexpected response frame while awaiting receipt")
		default:
			return 0, newError(ErrProtocol, "unexpected notification opcode 0x%02X", response[0])
		}
	case <-time.After(dfu.timeout):
		return 0, timeoutError(phaseTransfer)
	}
}

// sendStart announces the transfer: the START opcode with the image type on
// the control point, then the three-field size header on the packet
// characteristic.
func (dfu *Dfu) sendStart(img Image) error {
	err := dfu.writeControl([]byte{byte(DFU_OP_START_DFU), byte(img.Type)})
	if err != nil {
		return errors.Wrap(err, "failed to send start command")
	}

	softdevice, bootloader, application := img.sizes()
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], softdevice)
	binary.LittleEndian.PutUint32(header[4:], bootloader)
	binary.LittleEndian.PutUint32(header[8:], application)

	err = dfu.writePacket(header)
	if err != nil {
		return errors.Wrap(err, "failed to send image size header")
	}

	_, err = dfu.awaitResponse(DFU_OP_START_DFU, phaseStart)
	return err
}

// sendInitPacket transfers the init packet between the receive and complete
// markers of the INIT_DFU_PARAMS exchange.
func (dfu *Dfu) sendInitPacket(initPacket []byte) error {
	err := dfu.writeControl([]byte{byte(DFU_OP_INIT_DFU_PARAMS), initPacketReceive})
	if err != nil {
		return errors.Wrap(err, "failed to announce init packet")
	}

	for i := 0; i < len(initPacket); i += packetSize {
		end := i + packetSize
		if end > len(initPacket) {
			end = len(initPacket)
		}
		err = dfu.writePacket(initPacket[i:end])
		if err != nil {
			return errors.Wrap(err, "failed to send init packet chunk")
		}
	}

	err = dfu.writeControl([]byte{byte(DFU_OP_INIT_DFU_PARAMS), initPacketComplete})
	if err != nil {
		return errors.Wrap(err, "failed to complete init packet")
	}

	_, err = dfu.awaitResponse(DFU_OP_INIT_DFU_PARAMS, phaseInit)
	return err
}

// sendReceiptInterval sets how many data packets the target acknowledges with
// one receipt notification. The request itself is not answered.
func (dfu *Dfu) sendReceiptInterval(num uint16) error {
	request := make([]byte, 3)
	request[0] = byte(DFU_OP_PACKET_RECEIPT_SET)
	binary.LittleEndian.PutUint16(request[1:], num)

	err := dfu.writeControl(request)
	if err != nil {
		return errors.Wrap(err, "failed to set packet receipt interval")
	}
	return nil
}

// sendFirmware streams the image in 20-byte packets, pausing for a receipt
// notification after every receipt window and cross-checking the byte count
// the target reports against what was sent.
func (dfu *Dfu) sendFirmware(img Image) error {
	err := dfu.writeControl([]byte{byte(DFU_OP_RECEIVE_FIRMWARE_IMAGE)})
	if err != nil {
		return errors.Wrap(err, "failed to send receive image command")
	}

	data := img.Firmware
	crc := NewCRC16()
	var sent uint32
	sinceReceipt := uint16(0)

	for i := 0; i < len(data); i += packetSize {
		end := i + packetSize
		if end > len(data) {
			end = len(data)
		}

		err = dfu.writePacket(data[i:end])
		if err != nil {
			return errors.Wrap(err, "failed to send firmware packet")
		}
		crc.Write(data[i:end])
		sent += uint32(end - i)
		sinceReceipt++

		if dfu.receiptInterval > 0 && sinceReceipt == dfu.receiptInterval && end < len(data) {
			received, err := dfu.awaitReceipt()
			if err != nil {
				return errors.Wrap(err, "failed awaiting packet receipt")
			}
			if received != sent {
				jww.ERROR.Printf("Target confirmed %d bytes, host sent %d\n", received, sent)
				return protocolError(DFU_OP_RECEIVE_FIRMWARE_IMAGE, DFU_RESULT_CRC_ERROR)
			}
			sinceReceipt = 0
			dfu.updateProgress(int64(received))
		}
	}

	_, err = dfu.awaitResponse(DFU_OP_RECEIVE_FIRMWARE_IMAGE, phaseTransfer)
	if err != nil {
		return errors.Wrap(err, "firmware transfer not accepted")
	}

	jww.DEBUG.Printf("Transferred %d bytes, crc 0x%04X\n", sent, crc.Sum16())
	dfu.updateProgress(int64(sent))

	return nil
}

func (dfu *Dfu) sendValidate() error {
	err := dfu.writeControl([]byte{byte(DFU_OP_VALIDATE_FIRMWARE)})
	if err != nil {
		return errors.Wrap(err, "failed to send validate command")
	}

	_, err = dfu.awaitResponse(DFU_OP_VALIDATE_FIRMWARE, phaseValidate)
	return err
}

// sendActivate tells the target to swap in the new firmware and reset. The
// target reboots immediately, so no response is awaited; the connection
// dropping within the activation window is the success signal.
func (dfu *Dfu) sendActivate() error {
	// The link may collapse mid-write when the target resets, so a write
	// failure here is not conclusive.
	dfu.control.WriteCharacteristic([]byte{byte(DFU_OP_ACTIVATE_AND_RESET)}, ble.WithResponse)

	select {
	case <-dfu.peripheral.Disconnected():
		return nil
	case <-time.After(activationTimeout):
		return newError(ErrActivationTimeout, "target did not disconnect after activation")
	}
}

// transferImage drives one image through the full bootloader conversation,
// from START to the post-activation disconnect.
func (dfu *Dfu) transferImage(img Image) error {
	jww.INFO.Printf("Transferring %s image (%d bytes)\n", img.Type, len(img.Firmware))

	err := dfu.sendStart(img)
	if err != nil {
		return errors.Wrap(err, "failed to start DFU")
	}

	err = dfu.sendInitPacket(img.InitPacket)
	if err != nil {
		return errors.Wrap(err, "failed to transfer init packet")
	}

	err = dfu.sendReceiptInterval(dfu.receiptInterval)
	if err != nil {
		return errors.Wrap(err, "failed to configure flow control")
	}

	err = dfu.sendFirmware(img)
	if err != nil {
		return errors.Wrap(err, "failed to transfer firmware")
	}

	err = dfu.sendValidate()
	if err != nil {
		return errors.Wrap(err, "failed to validate firmware")
	}

	jww.INFO.Println("Activating firmware.")
	err = dfu.sendActivate()
	if err != nil {
		return errors.Wrap(err, "failed to activate firmware")
	}

	return nil
}
