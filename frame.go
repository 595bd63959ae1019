// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import (
	"github.com/noisysockets/netutil/waitpool"
)

const (
	// MaxFrameSize is the maximum size of an L2 frame, headroom included.
	MaxFrameSize = 65535
	// FrameHeadroom is the space reserved in front of a borrowed frame's
	// payload so outer headers can be pushed without copying the body.
	FrameHeadroom = 128
)

// Frame represents one L2 frame. The payload lives at
// Buf[Offset:Offset+Size]; the bytes in front of Offset are headroom for
// header pushes.
type Frame struct {
	// Buf is the backing buffer.
	Buf [MaxFrameSize]byte
	// Offset is where the frame data starts inside the buffer.
	Offset int
	// Size is the size of the frame data.
	Size int
	// pool is the pool from which the frame was borrowed.
	pool *FramePool
}

// Release returns the frame to its pool.
func (f *Frame) Release() {
	if f.pool != nil {
		f.pool.Release(f)
	}
}

// Reset resets the frame, restoring the default headroom.
func (f *Frame) Reset() {
	f.Offset = FrameHeadroom
	f.Size = 0
}

// Bytes returns the frame data as a byte slice.
func (f *Frame) Bytes() []byte {
	return f.Buf[f.Offset : f.Offset+f.Size]
}

// SetPayload copies b into the frame, preserving the default headroom.
func (f *Frame) SetPayload(b []byte) error {
	if len(b) > MaxFrameSize-FrameHeadroom {
		return ErrTooShort
	}
	f.Offset = FrameHeadroom
	f.Size = copy(f.Buf[FrameHeadroom:], b)
	return nil
}

// Prepend grows the frame by n bytes at the front and returns the new
// prefix. The prefix contents are zeroed.
func (f *Frame) Prepend(n int) ([]byte, error) {
	if n > f.Offset {
		return nil, ErrNoHeadroom
	}
	f.Offset -= n
	f.Size += n
	prefix := f.Buf[f.Offset : f.Offset+n]
	for i := range prefix {
		prefix[i] = 0
	}
	return prefix, nil
}

// TrimFront discards n bytes from the front of the frame, reclaiming them
// as headroom.
func (f *Frame) TrimFront(n int) error {
	if n > f.Size {
		return ErrTooShort
	}
	f.Offset += n
	f.Size -= n
	return nil
}

// CopyFrom fills the frame with the data from another frame.
func (f *Frame) CopyFrom(other *Frame) {
	f.Offset = other.Offset
	f.Size = copy(f.Buf[f.Offset:], other.Bytes())
}

// FramePool is a bounded pool of pre-allocated frames. Borrowing from an
// empty pool blocks until a frame is released, which keeps the per-port
// memory footprint fixed.
type FramePool struct {
	pool *waitpool.WaitPool[*Frame]
}

// NewFramePool creates a new frame pool with the given maximum number of
// frames.
func NewFramePool(max int) *FramePool {
	var fp *FramePool
	fp = &FramePool{
		pool: waitpool.New(uint32(max), func() *Frame {
			return &Frame{pool: fp}
		}),
	}
	return fp
}

// Borrow takes a frame from the pool.
func (p *FramePool) Borrow() *Frame {
	f := p.pool.Get()
	f.Reset()
	return f
}

// Release returns a frame to the pool.
func (p *FramePool) Release(f *Frame) {
	p.pool.Put(f)
}

// Count returns the number of outstanding frames.
func (p *FramePool) Count() int {
	return p.pool.Count()
}
