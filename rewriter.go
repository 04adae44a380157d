// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"fmt"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/newrelic/ilrewriter/internal/ellog"
)

// dumpILEnvVar is the process-wide debug switch: when set, a Rewriter
// dumps both the original and instrumented bytecode for every method it
// rewrites to Options.DumpDir, mirroring file.go's Options-with-env-default
// idiom.
const dumpILEnvVar = "NEW_RELIC_PROFILER_DUMP_IL"

// Options configures a Rewriter, in the same Options-struct style as
// file.go's Options{Fast, Logger}.
type Options struct {
	// A custom logger. Defaults to a stdout logger filtered at LevelError,
	// the same default file.go's New/NewBytes fall back to.
	Logger ellog.Logger

	// DumpIL writes every rewritten method's original and instrumented
	// bytecode to DumpDir, by default (false). Defaults to true if the
	// NEW_RELIC_PROFILER_DUMP_IL environment variable is set when the
	// Rewriter is constructed; the caller may still override it.
	DumpIL bool

	// DumpDir is the directory IL dumps are written to when DumpIL is
	// true. Defaults to the value of NEW_RELIC_PROFILER_DUMP_IL if it
	// names a directory, otherwise the current working directory.
	DumpDir string

	// IsCoreCLR selects the CoreCLR assembly-name remap table in the
	// tokenizer facade (System.Runtime etc.) instead of the .NET
	// Framework names, by default (false).
	IsCoreCLR bool

	// FullArgumentArray selects the SafeCallGetTracer body (Q1): see
	// InstrumentationContext.FullArgumentArray.
	FullArgumentArray bool
}

// Rewriter is the top-level entry point a CLR profiler's ReJIT callback
// drives: it loads original IL, runs the injection template, and falls
// back to an identity rewrite on any error, per the spec's Non-goals note
// that ReJIT plumbing itself is a caller concern.
type Rewriter struct {
	opts   *Options
	logger *ellog.Helper
}

// NewRewriter constructs a Rewriter. A nil opts is treated like file.go
// treats a nil Options: every field takes its documented default.
func NewRewriter(opts *Options) *Rewriter {
	r := &Rewriter{}
	if opts != nil {
		r.opts = opts
	} else {
		r.opts = &Options{}
	}

	if dump, ok := os.LookupEnv(dumpILEnvVar); ok {
		if !r.opts.DumpIL {
			r.opts.DumpIL = true
		}
		if r.opts.DumpDir == "" {
			if info, err := os.Stat(dump); err == nil && info.IsDir() {
				r.opts.DumpDir = dump
			} else {
				r.opts.DumpDir = "."
			}
		}
	}

	if r.opts.Logger == nil {
		r.logger = ellog.NewHelper(ellog.NewFilter(ellog.NewStdLogger(os.Stdout),
			ellog.FilterLevel(ellog.LevelError)))
	} else {
		r.logger = ellog.NewHelper(r.opts.Logger)
	}

	return r
}

// LoadOriginalILFromFile reads a method body from a module image on disk,
// via mmap, for the offline CLI path. The common ReJIT path instead hands
// a []byte directly to Rewrite and never touches this method.
func LoadOriginalILFromFile(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer data.Unmap()

	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("%w: method body [%d:%d] outside image of length %d",
			ErrUnexpectedEnd, offset, offset+length, len(data))
	}

	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

// Rewrite runs the full instrumentation pipeline for one method, falling
// back to an identity rewrite (the unmodified originalIL) on any error so
// a single malformed or unsupported method never aborts instrumentation of
// the rest of the assembly.
func (r *Rewriter) Rewrite(ctx *InstrumentationContext, clrCtx *ClrMethodContext, tokenizer *Tokenizer, originalIL []byte) []byte {
	if r.opts.FullArgumentArray && !ctx.FullArgumentArray {
		withFullArray := *ctx
		withFullArray.FullArgumentArray = true
		ctx = &withFullArray
	}
	r.dumpIfEnabled(ctx, "original", originalIL)

	instrumented, err := BuildInstrumentedMethod(ctx, clrCtx, tokenizer, originalIL)
	if err != nil {
		r.logger.Errorf("instrumentation failed for %s.%s, falling back to identity rewrite: %v",
			ctx.TypeName, ctx.MethodName, err)
		return originalIL
	}

	r.dumpIfEnabled(ctx, "instrumented", instrumented)
	return instrumented
}

// dumpIfEnabled writes data to <DumpDir>/<TypeName>.<MethodName>.<stage>.bin
// when Options.DumpIL is set. A dump failure is logged and swallowed:
// a failed debug dump must never fail the rewrite itself.
func (r *Rewriter) dumpIfEnabled(ctx *InstrumentationContext, stage string, data []byte) {
	if !r.opts.DumpIL {
		return
	}
	dir := r.opts.DumpDir
	if dir == "" {
		dir = "."
	}
	name := fmt.Sprintf("%s.%s.%s.bin", ctx.TypeName, ctx.MethodName, stage)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Errorf("failed to dump %s IL for %s.%s to %s: %v", stage, ctx.TypeName, ctx.MethodName, path, err)
	}
}
