// Copyright 2026 Redpanda Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec defines how a buffered event is turned into a byte record and
// back. The disk queue frames each record with a length prefix, so codecs only
// need to produce a self-describing payload.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrEncode wraps any failure to serialise an event. Encode failures are
	// per-item: the event is dropped and counted.
	ErrEncode = errors.New("failed to encode record")

	// ErrCorrupt wraps any failure to deserialise a stored record. The record
	// is skipped and the read cursor moves past it.
	ErrCorrupt = errors.New("record appears to be corrupt")
)

// Codec converts events of type T to and from byte records. Decode must accept
// exactly what Encode produces for the same type.
//
// Implementations must be safe for concurrent use.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Encode runs c.Encode and wraps any failure with ErrEncode.
func Encode[T any](c Codec[T], v T) ([]byte, error) {
	b, err := c.Encode(v)
	if err != nil {
		if errors.Is(err, ErrEncode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// Decode runs c.Decode and wraps any failure with ErrCorrupt.
func Decode[T any](c Codec[T], b []byte) (T, error) {
	v, err := c.Decode(b)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return v, err
		}
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, nil
}

//------------------------------------------------------------------------------

// Bytes is the identity codec. Both directions copy so that the caller never
// shares a buffer with the queue.
type Bytes struct{}

var _ Codec[[]byte] = Bytes{}

func (Bytes) Encode(v []byte) ([]byte, error) {
	return append([]byte(nil), v...), nil
}

func (Bytes) Decode(b []byte) ([]byte, error) {
	return append([]byte(nil), b...), nil
}

// String stores strings as their raw bytes.
type String struct{}

var _ Codec[string] = String{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(b []byte) (string, error) {
	return string(b), nil
}

// Msgpack serialises any msgpack compatible type. Decoding rejects trailing
// bytes so that a record boundary mismatch is reported as corruption rather
// than silently producing a partial value.
type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(v T) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack[T]) Decode(b []byte) (T, error) {
	var v T
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	r := bytes.NewReader(b)
	dec.Reset(r)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if r.Len() > 0 {
		return v, fmt.Errorf("%d trailing bytes after value", r.Len())
	}
	return v, nil
}

// Funcs adapts a pair of functions into a Codec.
type Funcs[T any] struct {
	EncodeFn func(T) ([]byte, error)
	DecodeFn func([]byte) (T, error)
}

func (f Funcs[T]) Encode(v T) ([]byte, error) {
	return f.EncodeFn(v)
}

func (f Funcs[T]) Decode(b []byte) (T, error) {
	return f.DecodeFn(b)
}
