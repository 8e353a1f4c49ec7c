// Package kconfig holds the kernel-wide tunables that the original
// design leaves as compile-time constants (MAX_FILEID, MAX_PORT, the
// pipe buffer size). Bundling them in a struct lets a test harness run
// several independently-configured processes in the same binary.
package kconfig

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// NoPort is the sentinel meaning "no port bound" (spec.md's NOPORT).
const NoPort = 0

// NoFile is the sentinel error/id value returned by fid-producing calls.
const NoFile = -1

// Limits bundles the per-process resource limits a Proc is built with.
type Limits struct {
	// MaxFileID is the number of file-id slots in a process (indices
	// 0..MaxFileID-1).
	MaxFileID int `yaml:"max_file_id"`
	// MaxPort is the highest legal port number; ports run 1..MaxPort.
	MaxPort int `yaml:"max_port"`
	// PipeBufferSize is the capacity, in bytes, of a pipe's ring buffer.
	PipeBufferSize int `yaml:"pipe_buffer_size"`
}

// Default returns the spec's stock limits: 16 file ids, 1024 ports and
// a 16 KiB pipe buffer.
func Default() Limits {
	return Limits{
		MaxFileID:      16,
		MaxPort:        1024,
		PipeBufferSize: 16 * 1024,
	}
}

// Validate rejects a Limits value that would make the kernel data
// structures meaningless (e.g. a zero-sized file table).
func (l Limits) Validate() error {
	if l.MaxFileID <= 0 {
		return fmt.Errorf("kconfig: MaxFileID must be positive, got %d", l.MaxFileID)
	}
	if l.MaxPort <= 0 {
		return fmt.Errorf("kconfig: MaxPort must be positive, got %d", l.MaxPort)
	}
	if l.PipeBufferSize <= 0 {
		return fmt.Errorf("kconfig: PipeBufferSize must be positive, got %d", l.PipeBufferSize)
	}
	return nil
}

// Load reads a YAML document overriding a subset of Default()'s
// fields. Unset fields keep their default value.
func Load(r io.Reader) (Limits, error) {
	l := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&l); err != nil && err != io.EOF {
		return Limits{}, fmt.Errorf("kconfig: decode: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}
