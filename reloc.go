// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/saferwall/goclasses/internal/align"
)

// ErrMalformedRelocationBlock is returned when a base relocation block's
// size field is too small or leaves an odd trailing byte.
var ErrMalformedRelocationBlock = errors.New("pe: malformed base relocation block")

// Base relocation entry types (the high nibble of each u16 entry). Only
// HIGHLOW fix-ups are retained on parse; every other type (including the
// padding ABSOLUTE entries used to round a block to an even entry count)
// is either skipped or synthesized on write.
const (
	ImageRelBasedAbsolute = 0
	ImageRelBasedHighLow  = 3
)

const relocPageMask = 0xFFFFF000
const relocOffsetMask = 0x00000FFF

// RelocationTable represents the `.reloc` directory as pages of sorted
// 12-bit offsets. Pages are tracked in an order slice holding each page in
// the order it was first seen: on-disk block order for a parsed table, and
// the order of first appearance in the input for BuildRelocationTable.
type RelocationTable struct {
	order   []uint32
	entries map[uint32][]uint16
}

// newRelocationTable returns an empty table.
func newRelocationTable() *RelocationTable {
	return &RelocationTable{entries: make(map[uint32][]uint16)}
}

func (t *RelocationTable) pageEntries(page uint32) []uint16 {
	if _, ok := t.entries[page]; !ok {
		t.order = append(t.order, page)
	}
	return t.entries[page]
}

func (t *RelocationTable) insertSorted(page uint32, off uint16) {
	existing := t.pageEntries(page)
	i := sort.Search(len(existing), func(i int) bool { return existing[i] >= off })
	existing = append(existing, 0)
	copy(existing[i+1:], existing[i:])
	existing[i] = off
	t.entries[page] = existing
}

// ParseRelocationTable reads a base relocation directory of size bytes from
// the stream's current position.
func ParseRelocationTable(s Stream, size uint32) (*RelocationTable, error) {
	t := newRelocationTable()

	var consumed uint32
	for consumed < size {
		hdr, err := readExact(s, 8)
		if err != nil {
			return nil, err
		}
		page := binary.LittleEndian.Uint32(hdr[0:4])
		blockSize := binary.LittleEndian.Uint32(hdr[4:8])

		if blockSize <= 8 || (blockSize-8)%2 != 0 {
			return nil, ErrMalformedRelocationBlock
		}

		entryBytes, err := readExact(s, int(blockSize-8))
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(entryBytes); i += 2 {
			raw := binary.LittleEndian.Uint16(entryBytes[i : i+2])
			if raw>>12 != ImageRelBasedHighLow {
				continue
			}
			t.insertSorted(page, raw&relocOffsetMask)
		}

		consumed += blockSize
	}
	return t, nil
}

// BuildRelocationTable builds a table from a flat list of absolute RVAs,
// each carrying an implicit HIGHLOW fix-up.
func BuildRelocationTable(rvas []uint32) *RelocationTable {
	t := newRelocationTable()
	for _, rva := range rvas {
		t.insertSorted(rva&relocPageMask, uint16(rva&relocOffsetMask))
	}
	return t
}

// All iterates every stored fix-up as an absolute RVA, pages in insertion
// order and, within a page, offsets in ascending order.
func (t *RelocationTable) All() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for _, page := range t.order {
			for _, off := range t.entries[page] {
				if !yield(page | uint32(off)) {
					return
				}
			}
		}
	}
}

// Size returns the exact on-disk size in bytes the table would occupy if
// serialized now.
func (t *RelocationTable) Size() uint32 {
	var total uint32
	for _, page := range t.order {
		count := align.Up(uint32(len(t.entries[page])), 2)
		total += 8 + 2*count
	}
	return total
}

// WriteTo serializes the table to s at its current position. Pages are
// emitted in ascending order regardless of insertion order; a page with an
// odd entry count is padded with one ABSOLUTE entry so every block has an
// even number of u16 entries.
func (t *RelocationTable) WriteTo(s Stream) error {
	pages := make([]uint32, len(t.order))
	copy(pages, t.order)
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, page := range pages {
		offs := t.entries[page]
		padded := len(offs)%2 != 0

		n := len(offs)
		if padded {
			n++
		}
		blockSize := uint32(8 + 2*n)

		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], page)
		binary.LittleEndian.PutUint32(hdr[4:8], blockSize)
		if _, err := s.Write(hdr); err != nil {
			return fmt.Errorf("pe: write relocation block header: %w", err)
		}

		for _, off := range offs {
			entry := make([]byte, 2)
			binary.LittleEndian.PutUint16(entry, (ImageRelBasedHighLow<<12)|off)
			if _, err := s.Write(entry); err != nil {
				return fmt.Errorf("pe: write relocation entry: %w", err)
			}
		}
		if padded {
			pad := make([]byte, 2)
			binary.LittleEndian.PutUint16(pad, ImageRelBasedAbsolute<<12)
			if _, err := s.Write(pad); err != nil {
				return fmt.Errorf("pe: write relocation padding entry: %w", err)
			}
		}
	}
	return nil
}
