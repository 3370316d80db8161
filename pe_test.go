// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// memStream is a fully random-access in-memory Stream, the way a PE image
// under test behaves like a small file without touching disk.
type memStream struct {
	buf []byte
	pos int64
}

func newMemStream(data []byte) *memStream {
	return &memStream{buf: append([]byte(nil), data...)}
}

func (m *memStream) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	}
	if newPos < 0 {
		return 0, errors.New("pe: negative seek position")
	}
	m.pos = newPos
	return newPos, nil
}

func (m *memStream) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

const testELfanew = 0x80

func buildPE32(t *testing.T, sections []Section, dd *DataDirectoryArray) []byte {
	t.Helper()
	return buildImage(t, false, sections, dd)
}

func buildPE32Plus(t *testing.T, sections []Section, dd *DataDirectoryArray) []byte {
	t.Helper()
	return buildImage(t, true, sections, dd)
}

func buildImage(t *testing.T, is64 bool, sections []Section, dd *DataDirectoryArray) []byte {
	t.Helper()

	dos := DosHeader{Magic: ImageDOSSignature, AddressOfNewEXEHeader: testELfanew}
	dosBytes, err := EncodeRecord(dos)
	if err != nil {
		t.Fatalf("encode DosHeader: %v", err)
	}

	var buf []byte
	buf = append(buf, dosBytes...)
	for uint32(len(buf)) < testELfanew {
		buf = append(buf, 0)
	}

	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, ImageNTSignature)
	buf = append(buf, sig...)

	fh := FileHeader{
		Machine:          ImageFileMachineI386,
		NumberOfSections: uint16(len(sections)),
		Characteristics:  ImageFileExecutableImage,
	}
	fhBytes, err := EncodeRecord(fh)
	if err != nil {
		t.Fatalf("encode FileHeader: %v", err)
	}
	buf = append(buf, fhBytes...)

	var directory DataDirectoryArray
	if dd != nil {
		directory = *dd
	}

	var ohBytes []byte
	if is64 {
		oh := OptionalHeader64{
			Magic:               MagicPE32Plus,
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			AddressOfEntryPoint: 0x1000,
			SizeOfImage:         0x5000,
			SizeOfHeaders:       uint32(testELfanew + 248),
			NumberOfRvaAndSizes: NumberOfDirectoryEntries,
			DataDirectory:       directory,
		}
		ohBytes, err = EncodeRecord(oh)
	} else {
		oh := OptionalHeader32{
			Magic:               MagicPE32,
			SectionAlignment:    0x1000,
			FileAlignment:       0x200,
			AddressOfEntryPoint: 0x1000,
			SizeOfImage:         0x5000,
			SizeOfHeaders:       uint32(testELfanew + 248),
			NumberOfRvaAndSizes: NumberOfDirectoryEntries,
			DataDirectory:       directory,
		}
		ohBytes, err = EncodeRecord(oh)
	}
	if err != nil {
		t.Fatalf("encode optional header: %v", err)
	}
	buf = append(buf, ohBytes...)

	for _, s := range sections {
		sb, err := EncodeRecord(s)
		if err != nil {
			t.Fatalf("encode Section: %v", err)
		}
		buf = append(buf, sb...)
	}
	return buf
}

func TestBindPE32Sections(t *testing.T) {
	sections := fixtureSections()
	data := buildPE32(t, sections, nil)

	image, err := Bind(newMemStream(data), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if image.is64 {
		t.Fatalf("is64 = true, want false for PE32 image")
	}

	st, err := image.SectionTable()
	if err != nil {
		t.Fatalf("SectionTable: %v", err)
	}
	if st.Len() != len(sections) {
		t.Fatalf("SectionTable.Len() = %d, want %d", st.Len(), len(sections))
	}
	for i, s := range sections {
		if got := st.At(i).String(); got != s.String() {
			t.Errorf("section[%d] = %q, want %q", i, got, s.String())
		}
	}
}

func TestBindPE32PlusSections(t *testing.T) {
	sections := []Section{
		NewSection(".text", ScnCntCode|ScnMemExecute|ScnMemRead, 0x400, 0x200, 0x1000, 0x1F0),
		NewSection(".data", ScnCntInitializedData|ScnMemRead|ScnMemWrite, 0x600, 0x200, 0x2000, 0x50),
	}
	data := buildPE32Plus(t, sections, nil)

	image, err := Bind(newMemStream(data), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !image.is64 {
		t.Fatalf("is64 = false, want true for PE32+ image")
	}

	st, err := image.SectionTable()
	if err != nil {
		t.Fatalf("SectionTable: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("SectionTable.Len() = %d, want 2", st.Len())
	}
	if st.At(1).String() != ".data" {
		t.Errorf("section[1] = %q, want .data", st.At(1).String())
	}
}

func TestBindUnsupportedOptionalHeaderMagic(t *testing.T) {
	dos := DosHeader{Magic: ImageDOSSignature, AddressOfNewEXEHeader: testELfanew}
	dosBytes, _ := EncodeRecord(dos)

	var buf []byte
	buf = append(buf, dosBytes...)
	for uint32(len(buf)) < testELfanew {
		buf = append(buf, 0)
	}
	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, ImageNTSignature)
	buf = append(buf, sig...)

	fh := FileHeader{Machine: ImageFileMachineI386, NumberOfSections: 0}
	fhBytes, _ := EncodeRecord(fh)
	buf = append(buf, fhBytes...)

	// Magic = 0x107 (ROM image), which this library deliberately does not
	// support.
	magicBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(magicBytes, MagicROM)
	buf = append(buf, magicBytes...)
	buf = append(buf, make([]byte, SizeOf[OptionalHeader32]()-2)...)

	_, err := Bind(newMemStream(buf), nil)
	if !errors.Is(err, ErrUnsupportedOptionalHeaderMagic) {
		t.Errorf("Bind with ROM magic: got %v, want ErrUnsupportedOptionalHeaderMagic", err)
	}
}

func TestBindNotMZImage(t *testing.T) {
	buf := make([]byte, 64)
	_, err := Bind(newMemStream(buf), nil)
	if !errors.Is(err, ErrNotMZImage) {
		t.Errorf("Bind with zeroed DOS header: got %v, want ErrNotMZImage", err)
	}
}

func TestRelocationTableViaFacade(t *testing.T) {
	rvas := []uint32{0x00002010, 0x00002020}
	relocTable := BuildRelocationTable(rvas)
	relocStream := newMemStream(nil)
	if err := relocTable.WriteTo(relocStream); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	relocBytes := relocStream.buf

	const relocFileOffset = 0x600
	const relocRVA = 0x2000

	sections := []Section{
		NewSection(".text", ScnCntCode|ScnMemExecute|ScnMemRead, 0x400, 0x200, 0x1000, 0x1F0),
		NewSection(".reloc", ScnCntInitializedData|ScnMemDiscardable|ScnMemRead, relocFileOffset, uint32(len(relocBytes)), relocRVA, uint32(len(relocBytes))),
	}

	var dd DataDirectoryArray
	dd[DirectoryEntryBaseReloc] = DataDirectory{VirtualAddress: relocRVA, Size: uint32(len(relocBytes))}

	data := buildPE32(t, sections, &dd)
	for uint32(len(data)) < relocFileOffset {
		data = append(data, 0)
	}
	data = append(data, relocBytes...)

	image, err := Bind(newMemStream(data), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	rt, err := image.RelocationTable()
	if err != nil {
		t.Fatalf("RelocationTable: %v", err)
	}

	var got []uint32
	for rva := range rt.All() {
		got = append(got, rva)
	}
	if len(got) != len(rvas) {
		t.Fatalf("RelocationTable().All() = %v, want %v", got, rvas)
	}
	for i := range rvas {
		if got[i] != rvas[i] {
			t.Errorf("All()[%d] = %#x, want %#x", i, got[i], rvas[i])
		}
	}
}

func TestAddNewSection(t *testing.T) {
	sections := []Section{
		NewSection(".text", ScnCntCode|ScnMemExecute|ScnMemRead, 0x400, 0x200, 0x1000, 0x1F0),
	}
	data := buildPE32(t, sections, nil)
	// Pad the file out so PointerToRawData+SizeOfRawData of .text actually
	// fits inside the stream before we append a new section after it.
	for uint32(len(data)) < 0x400+0x200 {
		data = append(data, 0)
	}

	stream := newMemStream(data)
	image, err := Bind(stream, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	newSection := NewSection(".ndata", ScnCntInitializedData|ScnMemRead|ScnMemWrite, 0x600, 0, 0x2000, 0)
	if err := image.AddNewSection(&newSection, 0x150); err != nil {
		t.Fatalf("AddNewSection: %v", err)
	}

	if newSection.SizeOfRawData != 0x200 {
		t.Errorf("SizeOfRawData = %#x, want 0x200 (0x150 rounded up to FileAlignment 0x200)", newSection.SizeOfRawData)
	}
	if image.FileHeader.NumberOfSections != 2 {
		t.Errorf("NumberOfSections = %d, want 2", image.FileHeader.NumberOfSections)
	}
	if want := uint32(0x600 + 0x200); uint32(len(stream.buf)) != want {
		t.Errorf("stream grew to %#x bytes, want %#x", len(stream.buf), want)
	}
	if got := image.OptionalHeader().SizeOfImageValue(); got != 0x3000 {
		t.Errorf("SizeOfImage = %#x, want 0x3000 (0x2000+0x150 rounded up to SectionAlignment 0x1000)", got)
	}

	if err := image.Reread(); err != nil {
		t.Fatalf("Reread: %v", err)
	}
	st, err := image.SectionTable()
	if err != nil {
		t.Fatalf("SectionTable after Reread: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("SectionTable.Len() after Reread = %d, want 2", st.Len())
	}
	if st.At(1).String() != ".ndata" {
		t.Errorf("section[1] after Reread = %q, want .ndata", st.At(1).String())
	}
}

func TestAddNewSectionRejectsMisalignment(t *testing.T) {
	sections := []Section{
		NewSection(".text", ScnCntCode|ScnMemExecute|ScnMemRead, 0x400, 0x200, 0x1000, 0x1F0),
	}
	data := buildPE32(t, sections, nil)
	image, err := Bind(newMemStream(data), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// VirtualAddress 0x2050 isn't a multiple of SectionAlignment (0x1000).
	bad := NewSection(".ndata", ScnCntInitializedData, 0x600, 0, 0x2050, 0)
	if err := image.AddNewSection(&bad, 0x10); !errors.Is(err, ErrUnalignedSection) {
		t.Errorf("AddNewSection with misaligned VirtualAddress: got %v, want ErrUnalignedSection", err)
	}
}
