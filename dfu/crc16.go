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

// CRC16 is a streaming CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF, no
// reflection, no final xor), the checksum Nordic bootloaders compute over
// firmware images.
type CRC16 struct {
	crc uint16
}

func NewCRC16() *CRC16 {
	return &CRC16{crc: 0xFFFF}
}

func (c *CRC16) Write(p []byte) (n int, err error) {
	for _, b := range p {
		c.crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if c.crc&0x8000 != 0 {
				c.crc = c.crc<<1 ^ 0x1021
			} else {
				c.crc <<= 1
			}
		}
	}
	return len(p), nil
}

func (c *CRC16) Sum16() uint16 {
	return c.crc
}

func (c *CRC16) Reset() {
	c.crc = 0xFFFF
}

// Checksum16 returns the CRC-16/CCITT-FALSE of data.
func Checksum16(data []byte) uint16 {
	c := NewCRC16()
	c.Write(data)
	return c.Sum16()
}
