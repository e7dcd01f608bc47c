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
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// Type selects the storage variant of a buffer.
type Type string

// Supported buffer variants.
const (
	TypeMemory Type = "memory"
	TypeDisk   Type = "disk"
)

// WhenFull is the policy applied when a producer writes to a full buffer.
type WhenFull string

// Supported overflow policies.
const (
	WhenFullBlock      WhenFull = "block"
	WhenFullDropNewest WhenFull = "drop_newest"
	WhenFullOverflow   WhenFull = "overflow"
)

// Default configuration values.
const (
	DefaultCapacity = 500
	DefaultMaxSize  = 256 * humanize.MiByte
)

// Config describes one buffer variant and, when WhenFull is
// WhenFullOverflow, the secondary buffer that receives items it rejects.
type Config struct {
	Type     Type
	WhenFull WhenFull

	// Capacity is the maximum number of queued items of a memory buffer, or
	// the maximum total size when a sizer is supplied.
	Capacity int

	// MaxSize is the maximum number of bytes a disk buffer keeps on disk.
	MaxSize int64

	// SegmentSize is the size at which a disk buffer seals its active
	// segment, zero selects a size derived from MaxSize. It must not exceed
	// half of MaxSize.
	SegmentSize int64

	// Path is the storage directory of a disk buffer.
	Path string

	Overflow *Config
}

// NewMemoryConfig returns a memory buffer config with default values.
func NewMemoryConfig() Config {
	return Config{
		Type:     TypeMemory,
		WhenFull: WhenFullBlock,
		Capacity: DefaultCapacity,
	}
}

// NewDiskConfig returns a disk buffer config with default values.
func NewDiskConfig(path string) Config {
	return Config{
		Type:     TypeDisk,
		WhenFull: WhenFullBlock,
		MaxSize:  DefaultMaxSize,
		Path:     path,
	}
}

// Validate checks the config, and that of any overflow buffer, for values
// that would prevent the buffer from being built.
func (c Config) Validate() error {
	paths := map[string]struct{}{}
	for depth, conf := 0, &c; conf != nil; depth, conf = depth+1, conf.Overflow {
		if err := conf.validateLevel(paths); err != nil {
			if depth == 0 {
				return err
			}
			return fmt.Errorf("overflow buffer %d: %w", depth, err)
		}
	}
	return nil
}

func (c *Config) validateLevel(paths map[string]struct{}) error {
	switch c.Type {
	case TypeMemory:
		if c.Capacity <= 0 {
			return fmt.Errorf("capacity must be greater than zero, got %d", c.Capacity)
		}
	case TypeDisk:
		if c.MaxSize <= 0 {
			return fmt.Errorf("max_size must be greater than zero, got %d", c.MaxSize)
		}
		if c.SegmentSize < 0 {
			return fmt.Errorf("segment_size must not be negative, got %d", c.SegmentSize)
		}
		if c.SegmentSize > c.MaxSize/2 {
			return fmt.Errorf("segment_size must be at most half of max_size (%d), got %d", c.MaxSize/2, c.SegmentSize)
		}
		if c.Path == "" {
			return errors.New("a path is required for disk buffers")
		}
		clean := filepath.Clean(c.Path)
		if _, exists := paths[clean]; exists {
			return fmt.Errorf("path %v is already used by another buffer of this chain", c.Path)
		}
		paths[clean] = struct{}{}
	default:
		return fmt.Errorf("unrecognised buffer type: %q", c.Type)
	}

	switch c.WhenFull {
	case WhenFullBlock, WhenFullDropNewest:
		if c.Overflow != nil {
			return fmt.Errorf("an overflow buffer is only used with when_full: %v", WhenFullOverflow)
		}
	case WhenFullOverflow:
		if c.Overflow == nil {
			return fmt.Errorf("when_full: %v requires an overflow buffer", WhenFullOverflow)
		}
	default:
		return fmt.Errorf("unrecognised when_full policy: %q", c.WhenFull)
	}
	return nil
}

//------------------------------------------------------------------------------

const (
	fieldType        = "type"
	fieldWhenFull    = "when_full"
	fieldCapacity    = "capacity"
	fieldMaxSize     = "max_size"
	fieldSegmentSize = "segment_size"
	fieldPath        = "path"
	fieldOverflow    = "overflow"
)

func levelFields() []*service.ConfigField {
	return []*service.ConfigField{
		service.NewStringEnumField(fieldType, string(TypeMemory), string(TypeDisk)).
			Description("The storage variant of the buffer. A `memory` buffer holds items in process and loses them on restart, a `disk` buffer persists them to a directory and resumes from the last acknowledged item.").
			Default(string(TypeMemory)),
		service.NewStringEnumField(fieldWhenFull, string(WhenFullBlock), string(WhenFullDropNewest), string(WhenFullOverflow)).
			Description("What to do with new items when the buffer is full. `block` applies back pressure, `drop_newest` discards the incoming item and `overflow` writes it to the `overflow` buffer instead.").
			Default(string(WhenFullBlock)),
		service.NewIntField(fieldCapacity).
			Description("The maximum number of batches held by a `memory` buffer.").
			Default(DefaultCapacity),
		service.NewStringField(fieldMaxSize).
			Description("The maximum size of data kept on disk by a `disk` buffer.").
			Example("1GiB").
			Default(humanize.IBytes(DefaultMaxSize)),
		service.NewStringField(fieldSegmentSize).
			Description("The size at which a `disk` buffer starts a new segment file. Must be at most half of `max_size`, set to `0` to derive it from `max_size`.").
			Advanced().
			Default("0"),
		service.NewStringField(fieldPath).
			Description("The directory in which a `disk` buffer stores its segments and checkpoint. It is created if it does not exist, and may only be used by one buffer at a time.").
			Example("/var/lib/connect/spool").
			Default(""),
	}
}

// ConfigFields returns the config fields of a buffer, including a single
// level of overflow buffer.
func ConfigFields() []*service.ConfigField {
	return append(levelFields(),
		service.NewObjectField(fieldOverflow, levelFields()...).
			Description("A secondary buffer that receives items rejected by this one when `when_full` is `overflow`.").
			Optional(),
	)
}

// ConfigFromParsed extracts a Config from fields defined by ConfigFields.
func ConfigFromParsed(pConf *service.ParsedConfig) (conf Config, err error) {
	if conf, err = levelFromParsed(pConf); err != nil {
		return
	}
	if pConf.Contains(fieldOverflow) {
		var overflow Config
		if overflow, err = levelFromParsed(pConf.Namespace(fieldOverflow)); err != nil {
			return conf, fmt.Errorf("%v: %w", fieldOverflow, err)
		}
		conf.Overflow = &overflow
	}
	return conf, conf.Validate()
}

func levelFromParsed(pConf *service.ParsedConfig) (conf Config, err error) {
	var str string
	if str, err = pConf.FieldString(fieldType); err != nil {
		return
	}
	conf.Type = Type(str)

	if str, err = pConf.FieldString(fieldWhenFull); err != nil {
		return
	}
	conf.WhenFull = WhenFull(str)

	if conf.Capacity, err = pConf.FieldInt(fieldCapacity); err != nil {
		return
	}
	if conf.MaxSize, err = fieldBytes(pConf, fieldMaxSize); err != nil {
		return
	}
	if conf.SegmentSize, err = fieldBytes(pConf, fieldSegmentSize); err != nil {
		return
	}
	conf.Path, err = pConf.FieldString(fieldPath)
	return
}

func fieldBytes(pConf *service.ParsedConfig, name string) (int64, error) {
	str, err := pConf.FieldString(name)
	if err != nil {
		return 0, err
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return 0, fmt.Errorf("field %v: %w", name, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("field %v: size %v is too large", name, str)
	}
	return int64(n), nil
}
