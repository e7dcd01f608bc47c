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

package spool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/redpanda-data/connect-spool/internal/spool/codec"
)

var errFailedParse = errors.New("the data appears to be corrupt")

// batchCodec stores a message batch as a single disk record, preserving the
// metadata of each message.
type batchCodec struct{}

var _ codec.Codec[service.MessageBatch] = batchCodec{}

func (batchCodec) Encode(batch service.MessageBatch) ([]byte, error) {
	return appendBatchV0(nil, batch)
}

func (batchCodec) Decode(b []byte) (service.MessageBatch, error) {
	return readBatch(b)
}

func appendBatchV0(buffer []byte, batch service.MessageBatch) ([]byte, error) {
	// First value indicates the marshal version, which starts at 0.
	buffer = binary.BigEndian.AppendUint32(buffer, 0)

	// Second value indicates the number of messages in the batch.
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(batch)))

	for _, msg := range batch {
		var err error
		if buffer, err = appendMessageV0(buffer, msg); err != nil {
			return nil, err
		}
	}
	return buffer, nil
}

func appendMessageV0(buffer []byte, msg *service.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	err := msg.MetaWalkMut(func(key string, value any) error {
		if err := enc.EncodeString(key); err != nil {
			return err
		}
		return enc.Encode(value)
	})
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	metaBytes := buf.Bytes()
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(metaBytes)))
	buffer = append(buffer, metaBytes...)

	msgBytes, err := msg.AsBytes()
	if err != nil {
		return nil, err
	}
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(msgBytes)))
	buffer = append(buffer, msgBytes...)
	return buffer, nil
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errFailedParse
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func readBatch(b []byte) (service.MessageBatch, error) {
	ver, b, err := readUint32(b)
	if err != nil {
		return nil, err
	}
	// Only supported version thus far.
	if ver != 0 {
		return nil, fmt.Errorf("%w: unsupported version %d", errFailedParse, ver)
	}
	mb, b, err := readBatchV0(b)
	if err != nil {
		return nil, err
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("extra left over bytes when reading batch: %d", len(b))
	}
	return mb, nil
}

func readBatchV0(b []byte) (service.MessageBatch, []byte, error) {
	parts, b, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	// Every message occupies at least two length prefixes.
	if uint64(parts)*8 > uint64(len(b)) {
		return nil, nil, errFailedParse
	}

	batch := make(service.MessageBatch, parts)
	for i := range batch {
		if batch[i], b, err = readMessageV0(b); err != nil {
			return nil, nil, err
		}
	}
	return batch, b, nil
}

func readSized(b []byte) ([]byte, []byte, error) {
	n, b, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(n) > uint64(len(b)) {
		return nil, nil, errFailedParse
	}
	return b[:n], b[n:], nil
}

func readMessageV0(b []byte) (*service.Message, []byte, error) {
	metaBytes, b, err := readSized(b)
	if err != nil {
		return nil, nil, err
	}
	contentBytes, b, err := readSized(b)
	if err != nil {
		return nil, nil, err
	}

	msg := service.NewMessage(contentBytes)

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.UsePreallocateValues(true)
	dec.Reset(bytes.NewReader(metaBytes))
	for {
		if _, err := dec.PeekCode(); errors.Is(err, io.EOF) {
			break
		}
		key, err := dec.DecodeString()
		if err != nil {
			return nil, nil, fmt.Errorf("decoding metadata key: %w", err)
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return nil, nil, fmt.Errorf("decoding metadata value: %w", err)
		}
		msg.MetaSetMut(key, val)
	}
	return msg, b, nil
}
