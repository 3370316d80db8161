// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pe parses, inspects, and mutates Portable Executable images in
// place on a seekable byte stream: headers, the section table with its
// dual-key RVA/offset search, the base relocation table, and the
// append-new-section transformation.
package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/saferwall/goclasses/internal/align"
	"github.com/saferwall/goclasses/internal/plog"
)

// Errors surfaced while binding to or rewriting a PE image.
var (
	// ErrNotMZImage is returned when the DOS header magic isn't "MZ".
	ErrNotMZImage = errors.New("pe: not an MZ image")

	// ErrMissingPESignature is returned when the 4 bytes at e_lfanew aren't
	// "PE\0\0".
	ErrMissingPESignature = errors.New("pe: missing PE signature")

	// ErrUnsupportedOptionalHeaderMagic is returned when the optional header
	// magic is neither PE32 nor PE32+.
	ErrUnsupportedOptionalHeaderMagic = errors.New("pe: unsupported optional header magic")

	// ErrUnalignedSection is returned by AddNewSection when the caller
	// hasn't pre-aligned the incoming section's VirtualAddress or
	// PointerToRawData to the image's section/file alignment.
	ErrUnalignedSection = errors.New("pe: section not pre-aligned")
)

// Options configures a PortableExecutable. The zero value is valid: it logs
// only Error-level messages to stderr and tolerates non-power-of-two
// alignment values without failing.
type Options struct {
	// Logger receives non-fatal observations (e.g. a reserved data
	// directory entry that isn't zero). Defaults to a stderr logger filtered
	// to plog.LevelError.
	Logger plog.Logger

	// StrictAlignment, when true, turns a non-power-of-two
	// SectionAlignment/FileAlignment into a hard error at bind time
	// instead of a logged anomaly.
	StrictAlignment bool
}

// PortableExecutable is a bound PE image: headers are read eagerly: section
// and relocation tables are materialized lazily on first access. It does
// not own the underlying stream — Close only releases resources this
// package itself allocated (an mmap mapping, or a file opened by Open).
type PortableExecutable struct {
	stream Stream
	closer io.Closer
	opts   Options
	logger plog.Logger

	DOSHeader  DosHeader
	FileHeader FileHeader

	is64 bool
	oh32 *OptionalHeader32
	oh64 *OptionalHeader64

	sectionTable    *SectionTable
	relocationTable *RelocationTable
}

// Open opens path read-write and binds a PortableExecutable to it via a
// FileStream. The returned handle owns the file; Close closes it.
func Open(path string, opts *Options) (*PortableExecutable, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pe: open %s: %w", path, err)
	}
	fs := NewFileStream(f)
	pe, err := Bind(fs, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	pe.closer = fs
	return pe, nil
}

// OpenMmap opens path read-only and binds a PortableExecutable to it via a
// zero-copy mmap mapping. Write, Truncate, AddNewSection, and the other
// rewrite operations fail with ErrReadOnlyStream on a handle opened this
// way.
func OpenMmap(path string, opts *Options) (*PortableExecutable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pe: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pe: mmap %s: %w", path, err)
	}

	ms := NewMmapStream(data)
	pe, err := Bind(ms, opts)
	if err != nil {
		ms.Close()
		return nil, err
	}
	pe.closer = ms
	return pe, nil
}

// Bind attaches a PortableExecutable to an already-open Stream and performs
// the read-only header parse. The caller retains ownership of stream.
func Bind(stream Stream, opts *Options) (*PortableExecutable, error) {
	pe := &PortableExecutable{stream: stream}
	if opts != nil {
		pe.opts = *opts
	}
	pe.logger = pe.opts.Logger
	if pe.logger == nil {
		pe.logger = plog.NewStdLogger(os.Stderr, plog.LevelError)
	}

	if err := pe.readHeaders(); err != nil {
		return nil, err
	}
	return pe, nil
}

// Close releases resources this package opened on the caller's behalf
// (Open's file, OpenMmap's mapping). Calling Close on a PortableExecutable
// built with Bind is a no-op.
func (pe *PortableExecutable) Close() error {
	if pe.closer == nil {
		return nil
	}
	return pe.closer.Close()
}

// readHeaders runs the construction read-path: DOS header, NT headers,
// optional header dispatch. It is also what Reread re-invokes.
func (pe *PortableExecutable) readHeaders() error {
	if _, err := pe.stream.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pe: seek to DOS header: %w", err)
	}
	dos, err := ReadRecordFrom[DosHeader](pe.stream)
	if err != nil {
		return err
	}
	if dos.Magic != ImageDOSSignature {
		return ErrNotMZImage
	}
	pe.DOSHeader = dos

	if _, err := pe.stream.Seek(int64(dos.AddressOfNewEXEHeader), io.SeekStart); err != nil {
		return fmt.Errorf("pe: seek to NT headers: %w", err)
	}
	sigBytes, err := readExact(pe.stream, 4)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(sigBytes) != ImageNTSignature {
		return ErrMissingPESignature
	}

	fh, err := ReadRecordFrom[FileHeader](pe.stream)
	if err != nil {
		return err
	}
	pe.FileHeader = fh

	magicBytes, err := readExact(pe.stream, 2)
	if err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint16(magicBytes)
	if _, err := pe.stream.Seek(-2, io.SeekCurrent); err != nil {
		return fmt.Errorf("pe: seek back to optional header: %w", err)
	}

	switch magic {
	case MagicPE32:
		oh, err := ReadRecordFrom[OptionalHeader32](pe.stream)
		if err != nil {
			return err
		}
		pe.is64 = false
		pe.oh32, pe.oh64 = &oh, nil
	case MagicPE32Plus:
		oh, err := ReadRecordFrom[OptionalHeader64](pe.stream)
		if err != nil {
			return err
		}
		pe.is64 = true
		pe.oh64, pe.oh32 = &oh, nil
	default:
		return fmt.Errorf("%w: 0x%X", ErrUnsupportedOptionalHeaderMagic, magic)
	}

	if dd := pe.DataDirectory(); dd[DirectoryEntryReserved].VirtualAddress != 0 {
		pe.logger.Warnf("reserved data directory entry has non-zero VirtualAddress 0x%X",
			dd[DirectoryEntryReserved].VirtualAddress)
	}

	oh := pe.OptionalHeader()
	sa, fa := oh.SectionAlignmentValue(), oh.FileAlignmentValue()
	if fa == 0 || sa == 0 || fa&(fa-1) != 0 || sa&(sa-1) != 0 {
		msg := fmt.Sprintf("section/file alignment not a power of two: section=0x%X file=0x%X", sa, fa)
		if pe.opts.StrictAlignment {
			return fmt.Errorf("%w: %s", ErrUnalignedSection, msg)
		}
		pe.logger.Warnf(msg)
	}

	pe.sectionTable = nil
	pe.relocationTable = nil
	return nil
}

// Reread discards the cached section/relocation tables and re-runs the
// header parse.
func (pe *PortableExecutable) Reread() error { return pe.readHeaders() }

// OptionalHeader returns the bound optional header as its tagged-variant
// interface, PE32 or PE32+ depending on which magic was parsed.
func (pe *PortableExecutable) OptionalHeader() OptionalHeader {
	if pe.is64 {
		return pe.oh64
	}
	return pe.oh32
}

// DataDirectory returns the 16-entry data directory array.
func (pe *PortableExecutable) DataDirectory() *DataDirectoryArray {
	return pe.OptionalHeader().DataDirectoryArray()
}

// OptionalHeaderOffset is the file offset of the optional header.
func (pe *PortableExecutable) OptionalHeaderOffset() uint32 {
	return pe.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(SizeOf[FileHeader]())
}

func (pe *PortableExecutable) ntHeadersBaseSize() uint32 {
	if pe.is64 {
		return uint32(SizeOf[NtHeaders64]()) - uint32(SizeOf[DataDirectoryArray]())
	}
	return uint32(SizeOf[NtHeaders]()) - uint32(SizeOf[DataDirectoryArray]())
}

func (pe *PortableExecutable) ntHeadersFullSize() uint32 {
	if pe.is64 {
		return uint32(SizeOf[NtHeaders64]())
	}
	return uint32(SizeOf[NtHeaders]())
}

// NTHeadersSize is the on-disk size of the NT headers record, truncated to
// the directory entries actually present (NumberOfRvaAndSizes), the way
// RewriteNTHeaders must write it.
func (pe *PortableExecutable) NTHeadersSize() uint32 {
	return pe.ntHeadersBaseSize() + uint32(SizeOf[DataDirectory]())*pe.OptionalHeader().NumberOfRvaAndSizesValue()
}

// DataDirectorySize is the on-disk size of the data directory array,
// truncated to NumberOfRvaAndSizes entries.
func (pe *PortableExecutable) DataDirectorySize() uint32 {
	return uint32(SizeOf[DataDirectory]()) * pe.OptionalHeader().NumberOfRvaAndSizesValue()
}

// DataDirectoryOffset is the file offset of the first data directory entry.
func (pe *PortableExecutable) DataDirectoryOffset() uint32 {
	return pe.DOSHeader.AddressOfNewEXEHeader + pe.ntHeadersFullSize() - uint32(SizeOf[DataDirectoryArray]())
}

// SectionTableOffset is the file offset of the first section header.
func (pe *PortableExecutable) SectionTableOffset() uint32 {
	return pe.DOSHeader.AddressOfNewEXEHeader + pe.NTHeadersSize()
}

// SectionTable lazily reads and caches the section table.
func (pe *PortableExecutable) SectionTable() (*SectionTable, error) {
	if pe.sectionTable != nil {
		return pe.sectionTable, nil
	}
	if _, err := pe.stream.Seek(int64(pe.SectionTableOffset()), io.SeekStart); err != nil {
		return nil, fmt.Errorf("pe: seek to section table: %w", err)
	}
	t, err := ReadSectionTable(pe.stream, int(pe.FileHeader.NumberOfSections))
	if err != nil {
		return nil, err
	}
	pe.sectionTable = t
	return t, nil
}

// RelocationTable lazily reads and caches the base relocation table,
// translating its data directory RVA to a file offset via the section
// table.
func (pe *PortableExecutable) RelocationTable() (*RelocationTable, error) {
	if pe.relocationTable != nil {
		return pe.relocationTable, nil
	}

	dd := pe.DataDirectory().BaseReloc()
	if dd.Size == 0 {
		pe.relocationTable = newRelocationTable()
		return pe.relocationTable, nil
	}

	st, err := pe.SectionTable()
	if err != nil {
		return nil, err
	}
	offset, err := st.RVAToOffset(dd.VirtualAddress)
	if err != nil {
		return nil, err
	}
	if _, err := pe.stream.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("pe: seek to relocation table: %w", err)
	}
	t, err := ParseRelocationTable(pe.stream, dd.Size)
	if err != nil {
		return nil, err
	}
	pe.relocationTable = t
	return t, nil
}

// RewriteNTHeaders serializes the in-memory NT headers, truncated to
// NTHeadersSize bytes, back to e_lfanew. Directory entries past
// NumberOfRvaAndSizes are not part of the on-disk record.
func (pe *PortableExecutable) RewriteNTHeaders() error {
	buf := make([]byte, 0, pe.ntHeadersFullSize())

	sigBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sigBytes, ImageNTSignature)
	buf = append(buf, sigBytes...)

	var err error
	buf, err = AppendRecord(buf, pe.FileHeader)
	if err != nil {
		return err
	}
	if pe.is64 {
		buf, err = AppendRecord(buf, *pe.oh64)
	} else {
		buf, err = AppendRecord(buf, *pe.oh32)
	}
	if err != nil {
		return err
	}

	buf = buf[:pe.NTHeadersSize()]

	if _, err := pe.stream.Seek(int64(pe.DOSHeader.AddressOfNewEXEHeader), io.SeekStart); err != nil {
		return fmt.Errorf("pe: seek to e_lfanew: %w", err)
	}
	if _, err := pe.stream.Write(buf); err != nil {
		return fmt.Errorf("pe: write NT headers: %w", err)
	}
	return nil
}

// RewriteDataDirectory serializes DataDirectorySize bytes of the directory
// array back to DataDirectoryOffset.
func (pe *PortableExecutable) RewriteDataDirectory() error {
	dd := pe.DataDirectory()
	buf := make([]byte, 0, SizeOf[DataDirectoryArray]())
	var err error
	for i := 0; i < NumberOfDirectoryEntries; i++ {
		buf, err = AppendRecord(buf, dd[i])
		if err != nil {
			return err
		}
	}
	buf = buf[:pe.DataDirectorySize()]

	if _, err := pe.stream.Seek(int64(pe.DataDirectoryOffset()), io.SeekStart); err != nil {
		return fmt.Errorf("pe: seek to data directory: %w", err)
	}
	if _, err := pe.stream.Write(buf); err != nil {
		return fmt.Errorf("pe: write data directory: %w", err)
	}
	return nil
}

// AddNewSection appends a new section to the image. section must already
// carry its Name, Characteristics, VirtualAddress, and PointerToRawData;
// the latter two must already be aligned to SectionAlignment and
// FileAlignment respectively and chosen not to overlap existing sections.
// SizeOfRawData and VirtualSize are computed and overwritten here.
func (pe *PortableExecutable) AddNewSection(section *Section, dataSize uint32) error {
	oh := pe.OptionalHeader()
	fileAlignment := oh.FileAlignmentValue()
	sectionAlignment := oh.SectionAlignmentValue()

	if section.VirtualAddress%sectionAlignment != 0 || section.PointerToRawData%fileAlignment != 0 {
		return ErrUnalignedSection
	}

	fileSize := align.Up(section.PointerToRawData+dataSize, fileAlignment)
	section.SizeOfRawData = fileSize - section.PointerToRawData

	if err := pe.stream.Truncate(int64(fileSize)); err != nil {
		return err
	}
	section.VirtualSize = dataSize

	offset := pe.SectionTableOffset() + uint32(pe.FileHeader.NumberOfSections)*uint32(SizeOf[Section]())
	b, err := EncodeRecord(*section)
	if err != nil {
		return err
	}
	if _, err := pe.stream.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("pe: seek to new section header: %w", err)
	}
	if _, err := pe.stream.Write(b); err != nil {
		return fmt.Errorf("pe: write new section header: %w", err)
	}

	pe.FileHeader.NumberOfSections++
	oh.SetSizeOfImageValue(align.Up(section.VirtualAddress+section.VirtualSize, sectionAlignment))

	return pe.RewriteNTHeaders()
}

// Info returns a one-shot human-readable summary of the bound image: DOS
// and PE signatures, entry point, file and optional header, and the
// section table. Used by cmd/pedump's info subcommand.
func (pe *PortableExecutable) Info() string {
	oh := pe.OptionalHeader()
	s := fmt.Sprintf("DOS signature: MZ\ne_lfanew: 0x%X\nPE signature: PE\\0\\0\n", pe.DOSHeader.AddressOfNewEXEHeader)
	s += fmt.Sprintf("Machine: 0x%X\nNumberOfSections: %d\nCharacteristics: 0x%X\n",
		pe.FileHeader.Machine, pe.FileHeader.NumberOfSections, pe.FileHeader.Characteristics)
	s += fmt.Sprintf("Optional header: PE32+=%v Magic=0x%X EntryPoint=0x%X ImageBase bits=%d Subsystem=%d\n",
		pe.is64, oh.MagicValue(), pe.addressOfEntryPoint(), oh.Bitness(), pe.subsystem())
	s += fmt.Sprintf("SizeOfImage: 0x%X SectionAlignment: 0x%X FileAlignment: 0x%X\n",
		oh.SizeOfImageValue(), oh.SectionAlignmentValue(), oh.FileAlignmentValue())

	st, err := pe.SectionTable()
	if err != nil {
		s += fmt.Sprintf("sections: <error: %v>\n", err)
		return s
	}
	for sec := range st.All() {
		s += fmt.Sprintf("  %-8s VA=0x%08X VSize=0x%X PRaw=0x%08X SRaw=0x%X Characteristics=0x%X\n",
			sec.String(), sec.VirtualAddress, sec.VirtualSize, sec.PointerToRawData, sec.SizeOfRawData, sec.Characteristics)
	}
	return s
}

func (pe *PortableExecutable) addressOfEntryPoint() uint32 {
	if pe.is64 {
		return pe.oh64.AddressOfEntryPoint
	}
	return pe.oh32.AddressOfEntryPoint
}

func (pe *PortableExecutable) subsystem() uint16 {
	if pe.is64 {
		return pe.oh64.Subsystem
	}
	return pe.oh32.Subsystem
}
