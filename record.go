// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SizeOf returns the exact on-disk size of a packed record type T, the way
// binary.Size does, but generic over the call site instead of requiring a
// throwaway zero value at every caller.
func SizeOf[T any]() int {
	var zero T
	return binary.Size(zero)
}

// mustSize panics at init time if T's on-disk size doesn't match want. It is
// the static-assertion stand-in for a language with compile-time sizeof.
func mustSize[T any](want int) {
	if got := SizeOf[T](); got != want {
		panic(fmt.Sprintf("pe: %T has size %d, want %d", *new(T), got, want))
	}
}

// ReadRecord decodes a little-endian packed record of type T from b. b must
// be at least SizeOf[T]() bytes.
func ReadRecord[T any](b []byte) (T, error) {
	var rec T
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// ReadRecordFrom reads exactly SizeOf[T]() bytes from s at the stream's
// current position and decodes them as T.
func ReadRecordFrom[T any](s Stream) (T, error) {
	var rec T
	b, err := readExact(s, SizeOf[T]())
	if err != nil {
		return rec, err
	}
	return ReadRecord[T](b)
}

// AppendRecord serializes rec in little-endian order and appends it to buf.
func AppendRecord[T any](buf []byte, rec T) ([]byte, error) {
	w := bytes.NewBuffer(buf)
	if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeRecord serializes rec in little-endian order into a fresh slice of
// exactly SizeOf[T]() bytes.
func EncodeRecord[T any](rec T) ([]byte, error) {
	return AppendRecord(make([]byte, 0, SizeOf[T]()), rec)
}
