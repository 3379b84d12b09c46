package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	opContinuation byte = 0
	opText         byte = 1
	opBinary       byte = 2
	opClose        byte = 8
	opPing         byte = 9
	opPong         byte = 10
)

// errDisconnected reports a stream that ended inside a frame, or a frame too
// large to hold. It is not logged.
var errDisconnected = errors.New("websocket: disconnected")

// frame is an inbound frame with its payload unmasked.
type frame struct {
	opcode  byte
	fin     bool
	payload []byte
}

// readFrame reads one frame. Masked payloads are unmasked; lengths with any
// of the top 33 bits set are rejected.
func readFrame(r io.Reader) (frame, error) {
	var head [2]byte
	if err := readFull(r, head[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		opcode: head[0] & 0x0f,
		fin:    head[0]&0x80 != 0,
	}
	masked := head[1]&0x80 != 0

	length := uint64(head[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if err := readFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if err := readFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		if ext[0]|ext[1]|ext[2]|ext[3] != 0 || ext[4]&0x80 != 0 {
			return frame{}, errDisconnected
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	var mask [4]byte
	if masked {
		if err := readFull(r, mask[:]); err != nil {
			return frame{}, err
		}
	}
	// The buffer grows with the bytes received, not the declared length.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			return frame{}, errDisconnected
		}
		return frame{}, err
	}
	f.payload = payload.Bytes()
	if masked {
		applyMask(f.payload, mask, 0)
	}
	return f, nil
}

func readFull(r io.Reader, p []byte) error {
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errDisconnected
		}
		return err
	}
	return nil
}

// applyMask XORs p with mask, where offset is the payload index of p[0].
func applyMask(p []byte, mask [4]byte, offset int64) {
	for i := range p {
		p[i] ^= mask[(offset+int64(i))%4]
	}
}

// outFrame is an outbound frame whose payload is streamed from sources.
type outFrame struct {
	opcode  byte
	sources []io.Reader
	length  int64
}

func newOutFrame(opcode byte, payload []byte) *outFrame {
	f := &outFrame{opcode: opcode, length: int64(len(payload))}
	if len(payload) > 0 {
		f.sources = []io.Reader{bytes.NewReader(payload)}
	}
	return f
}

// writeFrame writes f as a single masked frame with a fresh mask and flushes
// w. buf is scratch space for the payload.
func writeFrame(w *bufio.Writer, f *outFrame, buf []byte) error {
	w.WriteByte(0x80 | f.opcode)
	switch {
	case f.length >= 0x10000:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(f.length))
		w.WriteByte(0x80 | 127)
		w.Write(ext[:])
	case f.length >= 126:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(f.length))
		w.WriteByte(0x80 | 126)
		w.Write(ext[:])
	default:
		w.WriteByte(0x80 | byte(f.length))
	}

	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	w.Write(mask[:])

	var index int64
	for _, source := range f.sources {
		for index < f.length {
			limit := min(int64(len(buf)), f.length-index)
			n, err := source.Read(buf[:limit])
			if n > 0 {
				applyMask(buf[:n], mask, index)
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
				index += int64(n)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
	}
	if index != f.length {
		return fmt.Errorf("websocket: frame payload short: expected %d bytes, got %d", f.length, index)
	}
	return w.Flush()
}
