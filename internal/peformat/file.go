// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peformat

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/newrelic/ilrewriter/internal/ellog"
)

// A File represents an open PE file. The rewriter only ever needs the
// headers, section table, and CLR metadata tables to resolve a MethodDef
// token to a method body's raw IL bytes, so directories with no bearing on
// that (resources, debug info, TLS, load config, native exception tables,
// Authenticode certificates, imports/exports, bound/delay imports, the
// global pointer, and rich/COFF-symbol diagnostics) are not modeled here.
type File struct {
	DOSHeader ImageDOSHeader `json:"dos_header,omitempty"`
	NtHeader  ImageNtHeader  `json:"nt_header,omitempty"`
	Sections  []Section      `json:"sections,omitempty"`
	CLR       CLRData        `json:"clr,omitempty"`
	Anomalies []string       `json:"anomalies,omitempty"`
	Header    []byte
	data      mmap.MMap
	FileInfo
	size   uint32
	f      *os.File
	opts   *Options
	logger *ellog.Helper
}

// Options for Parsing
type Options struct {

	// Parse only the PE header and do not parse data directories, by default (false).
	Fast bool

	// A custom logger.
	Logger ellog.Logger
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}

	var logger ellog.Logger
	if file.opts.Logger == nil {
		logger = ellog.NewStdLogger(os.Stdout)
		file.logger = ellog.NewHelper(ellog.NewFilter(logger,
			ellog.FilterLevel(ellog.LevelError)))
	} else {
		file.logger = ellog.NewHelper(file.opts.Logger)
	}

	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}

	var logger ellog.Logger
	if file.opts.Logger == nil {
		logger = ellog.NewStdLogger(os.Stdout)
		file.logger = ellog.NewHelper(ellog.NewFilter(logger,
			ellog.FilterLevel(ellog.LevelError)))
	} else {
		file.logger = ellog.NewHelper(file.opts.Logger)
	}

	file.data = data
	file.size = uint32(len(file.data))
	return &file, nil
}

// Close closes the File.
func (pe *File) Close() error {
	if pe.data != nil {
		_ = pe.data.Unmap()
	}

	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse performs the file parsing for a PE binary.
func (pe *File) Parse() error {

	// check for the smallest PE size.
	if len(pe.data) < TinyPESize {
		return ErrInvalidPESize
	}

	// Parse the DOS header.
	err := pe.ParseDOSHeader()
	if err != nil {
		return err
	}

	// Parse the NT header.
	err = pe.ParseNTHeader()
	if err != nil {
		return err
	}

	// Parse the Section Header.
	err = pe.ParseSectionHeader()
	if err != nil {
		return err
	}

	// In fast mode, do not parse data directories.
	if pe.opts.Fast {
		return nil
	}

	// Parse the Data Directory entries.
	return pe.ParseDataDirectories()
}

// String stringify the data directory entry.
func (entry ImageDirectoryEntry) String() string {
	dataDirMap := map[ImageDirectoryEntry]string{
		ImageDirectoryEntryCLR: "CLR",
	}

	return dataDirMap[entry]
}

// ParseDataDirectories parses the data directories. Of the sixteen entries
// ECMA-335/PE-COFF defines, only the CLR Runtime Header is resolved: it is
// the sole directory the rewriter needs to reach a method's metadata tables
// and IL bytes, and the only one the orchestrator ever reads back off CLR.
func (pe *File) ParseDataDirectories() error {

	oh32 := ImageOptionalHeader32{}
	oh64 := ImageOptionalHeader64{}

	switch pe.Is64 {
	case true:
		oh64 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
	case false:
		oh32 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	}

	var va, size uint32
	switch pe.Is64 {
	case true:
		dirEntry := oh64.DataDirectory[ImageDirectoryEntryCLR]
		va = dirEntry.VirtualAddress
		size = dirEntry.Size
	case false:
		dirEntry := oh32.DataDirectory[ImageDirectoryEntryCLR]
		va = dirEntry.VirtualAddress
		size = dirEntry.Size
	}

	if va == 0 {
		return nil
	}

	if err := pe.parseCLRHeaderDirectory(va, size); err != nil {
		pe.logger.Warnf("failed to parse data directory %s, reason: %v",
			ImageDirectoryEntryCLR.String(), err)
		return err
	}
	return nil
}
