// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"errors"
	"strings"
)

// ErrOutOfRange is returned when an RVA/offset probe falls outside the
// extent of the section asked to resolve it.
var ErrOutOfRange = errors.New("pe: offset/RVA outside section extent")

// Section characteristics (IMAGE_SCN_*). Only the flags a consumer needs to
// classify a section's kind are kept; the teacher's much larger constant
// block also covers object-file-only alignment/linker flags that have no
// in-scope reader.
const (
	ScnCntCode              = 0x00000020
	ScnCntInitializedData   = 0x00000040
	ScnCntUninitializedData = 0x00000080
	ScnMemDiscardable       = 0x02000000
	ScnMemShared            = 0x10000000
	ScnMemExecute           = 0x20000000
	ScnMemRead              = 0x40000000
	ScnMemWrite             = 0x80000000
)

// Section is the 40-byte on-disk IMAGE_SECTION_HEADER record. The VirtualSize
// field is what the PE spec calls the Misc union (PhysicalAddress |
// VirtualSize); Go has no native union, so — as the teacher's own rendition
// does — only the VirtualSize name is kept, at the same offset.
type Section struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

func init() { mustSize[Section](40) }

// NewSection builds a Section from its load-bearing fields, zero-padding
// name to 8 bytes.
func NewSection(name string, characteristics, pointerToRawData, sizeOfRawData, virtualAddress, virtualSize uint32) Section {
	var s Section
	copy(s.Name[:], name)
	s.Characteristics = characteristics
	s.PointerToRawData = pointerToRawData
	s.SizeOfRawData = sizeOfRawData
	s.VirtualAddress = virtualAddress
	s.VirtualSize = virtualSize
	return s
}

// String returns the section name with trailing NUL padding stripped.
func (s *Section) String() string {
	return strings.TrimRight(string(s.Name[:]), "\x00")
}

// OffsetToRVA converts a file offset within this section to an RVA.
// Precondition: 0 <= offset - PointerToRawData < SizeOfRawData.
func (s *Section) OffsetToRVA(offset uint32) (uint32, error) {
	d := offset - s.PointerToRawData
	if offset < s.PointerToRawData || d >= s.SizeOfRawData {
		return 0, ErrOutOfRange
	}
	return d + s.VirtualAddress, nil
}

// RVAToOffset converts an RVA within this section to a file offset.
// Precondition: 0 <= rva - VirtualAddress < VirtualSize.
func (s *Section) RVAToOffset(rva uint32) (uint32, error) {
	d := rva - s.VirtualAddress
	if rva < s.VirtualAddress || d >= s.VirtualSize {
		return 0, ErrOutOfRange
	}
	return d + s.PointerToRawData, nil
}

// IsExecutable reports whether the section is marked executable.
func (s *Section) IsExecutable() bool { return s.Characteristics&ScnMemExecute != 0 }

// IsWritable reports whether the section is marked writable.
func (s *Section) IsWritable() bool { return s.Characteristics&ScnMemWrite != 0 }

// IsReadable reports whether the section is marked readable.
func (s *Section) IsReadable() bool { return s.Characteristics&ScnMemRead != 0 }

// IsDiscardable reports whether the section may be discarded after load.
func (s *Section) IsDiscardable() bool { return s.Characteristics&ScnMemDiscardable != 0 }

// IsCode reports whether the section contains executable code.
func (s *Section) IsCode() bool { return s.Characteristics&ScnCntCode != 0 }

// IsInitializedData reports whether the section contains initialized data.
func (s *Section) IsInitializedData() bool { return s.Characteristics&ScnCntInitializedData != 0 }

// IsUninitializedData reports whether the section contains uninitialized data.
func (s *Section) IsUninitializedData() bool {
	return s.Characteristics&ScnCntUninitializedData != 0
}
