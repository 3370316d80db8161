// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"errors"
	"fmt"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// ErrReadOnlyStream is returned by Write and Truncate on a Stream backed by
// a read-only mapping.
var ErrReadOnlyStream = errors.New("pe: stream is read-only")

// Stream is the abstract random-access byte stream a PortableExecutable
// binds to. A Stream passed to Bind stays the caller's to close; Open and
// OpenMmap create their own Stream, which PortableExecutable.Close releases.
type Stream interface {
	io.Reader
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// FileStream adapts an *os.File to Stream. It is read-write and is the
// adapter Open uses, since mmap-go has no portable way to grow a mapping
// in place.
type FileStream struct {
	f *os.File
}

// NewFileStream wraps f as a Stream.
func NewFileStream(f *os.File) *FileStream { return &FileStream{f: f} }

func (s *FileStream) Read(p []byte) (int, error)               { return s.f.Read(p) }
func (s *FileStream) Write(p []byte) (int, error)               { return s.f.Write(p) }
func (s *FileStream) Seek(offset int64, whence int) (int64, error) { return s.f.Seek(offset, whence) }

func (s *FileStream) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("pe: truncate: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileStream) Close() error { return s.f.Close() }

// MmapStream adapts a read-only mmap-go mapping to Stream. Write and
// Truncate always fail with ErrReadOnlyStream; it exists for fast,
// zero-copy inspection-only opens.
type MmapStream struct {
	data mmap.MMap
	pos  int64
}

// NewMmapStream wraps an mmap-go mapping as a read-only Stream.
func NewMmapStream(data mmap.MMap) *MmapStream { return &MmapStream{data: data} }

func (s *MmapStream) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *MmapStream) Write([]byte) (int, error) { return 0, ErrReadOnlyStream }

func (s *MmapStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(len(s.data)) + offset
	default:
		return 0, errors.New("pe: invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("pe: negative seek position")
	}
	s.pos = newPos
	return newPos, nil
}

func (s *MmapStream) Truncate(int64) error { return ErrReadOnlyStream }

// Close unmaps the underlying mapping.
func (s *MmapStream) Close() error { return s.data.Unmap() }

// readExact reads exactly n bytes from s, mapping a short read to
// io.ErrUnexpectedEOF the way the rest of the library's error kinds expect.
func readExact(s Stream, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("pe: read: %w", err)
	}
	return buf, nil
}
