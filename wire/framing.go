// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// lengthPrefixSize is the size of the frame length prefix.
	//
	// Frame format:
	// |FrameLength(4 bytes, big endian)| Envelope(FrameLength) ... |
	lengthPrefixSize = 4

	// MaxFrameSize bounds a single frame (1 MiB). Votes and alerts are
	// tiny; anything near this limit is a protocol violation.
	MaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("zero length frame")
)

// WriteFrame encodes env and writes it as one length-prefixed frame.
// The frame is written with a single Write so a logical message is
// never split across the transport's view.
func WriteFrame(w io.Writer, env *Envelope) error {
	raw, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, lengthPrefixSize+len(raw))
	binary.BigEndian.PutUint32(frame, uint32(len(raw)))
	copy(frame[lengthPrefixSize:], raw)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one length-prefixed envelope. Message
// boundaries are preserved: a frame is returned whole or not at all.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	env := &Envelope{}
	if err := cborUnmarshalEnvelope(raw, env); err != nil {
		return nil, err
	}
	return env, nil
}

func cborUnmarshalEnvelope(raw []byte, env *Envelope) error {
	if err := Unmarshal(raw, env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	return nil
}
