// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"errors"
	"fmt"
	"iter"
	"sort"
)

// ErrAmbiguousProbe is returned by WhichSection/WhichSectionIndex when
// called with neither or both of offset/rva.
var ErrAmbiguousProbe = errors.New("pe: which_section needs exactly one of offset or rva")

// ErrUnsortedSectionTable is returned by NewSectionTable when the supplied
// sections are not in strictly increasing VirtualAddress/PointerToRawData
// order.
var ErrUnsortedSectionTable = errors.New("pe: sections are not strictly ordered by VirtualAddress/PointerToRawData")

// SectionTable is the ordered collection of section headers, with two
// precomputed sorted key arrays (by PointerToRawData and by VirtualAddress)
// supporting O(log n) lookup. It does not emulate a generic "key sequence"
// view over the sections; the two arrays are simply built once up front.
type SectionTable struct {
	sections   []Section
	offsetKeys []uint32
	rvaKeys    []uint32
}

// NewSectionTable builds a SectionTable from sections, which must already be
// in strictly increasing order of both PointerToRawData and VirtualAddress.
func NewSectionTable(sections []Section) (*SectionTable, error) {
	for i := 1; i < len(sections); i++ {
		if sections[i].PointerToRawData <= sections[i-1].PointerToRawData {
			return nil, ErrUnsortedSectionTable
		}
		if sections[i].VirtualAddress <= sections[i-1].VirtualAddress {
			return nil, ErrUnsortedSectionTable
		}
	}

	t := &SectionTable{
		sections:   sections,
		offsetKeys: make([]uint32, len(sections)),
		rvaKeys:    make([]uint32, len(sections)),
	}
	for i, s := range sections {
		t.offsetKeys[i] = s.PointerToRawData
		t.rvaKeys[i] = s.VirtualAddress
	}
	return t, nil
}

// ReadSectionTable reads n consecutive 40-byte section headers from the
// stream's current position.
func ReadSectionTable(s Stream, n int) (*SectionTable, error) {
	sections := make([]Section, n)
	for i := 0; i < n; i++ {
		sec, err := ReadRecordFrom[Section](s)
		if err != nil {
			return nil, err
		}
		sections[i] = sec
	}
	return NewSectionTable(sections)
}

// Write emits all section headers sequentially at the stream's current
// position.
func (t *SectionTable) Write(s Stream) error {
	for _, sec := range t.sections {
		b, err := EncodeRecord(sec)
		if err != nil {
			return err
		}
		if _, err := s.Write(b); err != nil {
			return fmt.Errorf("pe: write section header: %w", err)
		}
	}
	return nil
}

// Len returns the number of sections.
func (t *SectionTable) Len() int { return len(t.sections) }

// At returns the section at index i.
func (t *SectionTable) At(i int) *Section { return &t.sections[i] }

// All iterates the sections in table order.
func (t *SectionTable) All() iter.Seq[*Section] {
	return func(yield func(*Section) bool) {
		for i := range t.sections {
			if !yield(&t.sections[i]) {
				return
			}
		}
	}
}

// upperBoundPredecessor returns the index of the last key <= p, or -1 if p
// is below every key.
func upperBoundPredecessor(keys []uint32, p uint32) int {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > p })
	return i - 1
}

func (t *SectionTable) resolveProbe(offset, rva *uint32) (uint32, []uint32, error) {
	if (offset == nil) == (rva == nil) {
		return 0, nil, ErrAmbiguousProbe
	}
	if offset != nil {
		return *offset, t.offsetKeys, nil
	}
	return *rva, t.rvaKeys, nil
}

// WhichSectionIndex returns the index of the section whose key
// (PointerToRawData or VirtualAddress, depending on which of offset/rva is
// non-nil) is the predecessor of the probe, or -1 if the probe is below the
// first section. Exactly one of offset/rva must be supplied.
func (t *SectionTable) WhichSectionIndex(offset, rva *uint32) (int, error) {
	p, keys, err := t.resolveProbe(offset, rva)
	if err != nil {
		return 0, err
	}
	return upperBoundPredecessor(keys, p), nil
}

// WhichSection resolves the probe to its owning section. Unlike
// WhichSectionIndex, a probe below the first section is surfaced as
// ErrOutOfRange rather than returned as index -1. A probe past the extent
// of its predecessor section still returns that section; the section's own
// RVAToOffset/OffsetToRVA then fails with ErrOutOfRange.
func (t *SectionTable) WhichSection(offset, rva *uint32) (*Section, error) {
	i, err := t.WhichSectionIndex(offset, rva)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(t.sections) {
		return nil, ErrOutOfRange
	}
	return &t.sections[i], nil
}

// RVAToOffset translates an RVA to a file offset via the owning section.
func (t *SectionTable) RVAToOffset(rva uint32) (uint32, error) {
	sec, err := t.WhichSection(nil, &rva)
	if err != nil {
		return 0, err
	}
	return sec.RVAToOffset(rva)
}

// OffsetToRVA translates a file offset to an RVA via the owning section.
func (t *SectionTable) OffsetToRVA(offset uint32) (uint32, error) {
	sec, err := t.WhichSection(&offset, nil)
	if err != nil {
		return 0, err
	}
	return sec.OffsetToRVA(offset)
}

func sectionsEqual(a, b *Section) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Diff pairs up this table's sections against other's by index (the
// zip_longest shape of the original implementation's section_table.diff),
// yielding only the pairs that differ. A nil on either side of a pair means
// the corresponding table ran out of sections first.
func (t *SectionTable) Diff(other *SectionTable) iter.Seq2[*Section, *Section] {
	return func(yield func(*Section, *Section) bool) {
		n := t.Len()
		if other.Len() > n {
			n = other.Len()
		}
		for i := 0; i < n; i++ {
			var a, b *Section
			if i < t.Len() {
				a = &t.sections[i]
			}
			if i < other.Len() {
				b = &other.sections[i]
			}
			if sectionsEqual(a, b) {
				continue
			}
			if !yield(a, b) {
				return
			}
		}
	}
}
