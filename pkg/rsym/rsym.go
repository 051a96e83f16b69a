// Package rsym implements the symbol-embedding pipeline: it reads a
// linked PE image carrying stabs or COFF debug information, builds a
// compact address-to-(file, function, line) table from it, and
// produces an equivalent PE image with the verbose debug sections
// replaced by that table.
package rsym

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/reactos/rsym/pkg/rsym/coffsym"
	"github.com/reactos/rsym/pkg/rsym/dbghelp"
	"github.com/reactos/rsym/pkg/rsym/merge"
	"github.com/reactos/rsym/pkg/rsym/pefile"
	"github.com/reactos/rsym/pkg/rsym/pewriter"
	"github.com/reactos/rsym/pkg/rsym/reloc"
	"github.com/reactos/rsym/pkg/rsym/rossym"
	"github.com/reactos/rsym/pkg/rsym/stabs"
	"github.com/reactos/rsym/pkg/rsym/strpool"
)

// Options configures a single conversion run.
type Options struct {
	// SourcePath feeds the DbgHelp Adapter's path-chop probe. Ignored
	// when the input carries a .stab section.
	SourcePath string

	// LineIterator and Resolver back the DbgHelp Adapter fallback path
	// used when the input has no .stab section. Leaving either nil
	// when the fallback path is taken yields an empty primary symbol
	// table rather than an error, since a module with neither stabs
	// nor a debug-info backend simply has no line information.
	LineIterator dbghelp.LineIterator
	Resolver     dbghelp.Resolver

	// Dump, when true, stops short of rewriting the PE image and
	// instead returns the merged symbol table for introspection. See
	// Result.Dump.
	Dump bool

	Log *logrus.Logger
}

// Result is what Convert produces. Exactly one of Output or Dump is
// populated, depending on Options.Dump. ELFPassthrough is set when the
// input was not a PE image at all, in which case neither is populated.
type Result struct {
	// Output is the rewritten PE image, ready to write to disk.
	Output []byte

	// Dump is populated instead of Output when Options.Dump is set.
	Dump *DumpResult

	// ELFPassthrough is true when the input began with the ELF magic;
	// callers should treat this as a successful no-op.
	ELFPassthrough bool
}

// DumpResult is the JSON-serializable introspection payload produced
// by -dump mode.
type DumpResult struct {
	Source        string         `json:"source"`
	Symbols       []rossym.Entry `json:"symbols"`
	StringsLength int            `json:"strings_length"`
}

// Convert runs the full pipeline over data, a PE image's complete
// bytes read from disk. It never mutates data.
func Convert(data []byte, opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if pefile.IsELF(data) {
		log.Debug("input is an ELF object, passing through untouched")
		return &Result{ELFPassthrough: true}, nil
	}

	f, err := pefile.Open(data)
	if err != nil {
		return nil, fmt.Errorf("rsym: %w", err)
	}

	pool := strpool.New()
	imageBase := f.ImageBase()

	var symbolSource string
	var primary []rossym.Entry

	stabSec, stabstrSec := f.StabSections()
	if stabSec != nil {
		log.Debug("using .stab/.stabstr for primary symbol source")
		symbolSource = "stabs"
		var stabstrData []byte
		if stabstrSec != nil {
			stabstrData = f.SectionData(stabstrSec)
		}
		primary, err = stabs.Decode(f.SectionData(stabSec), stabstrData, imageBase, pool)
		if err != nil {
			return nil, fmt.Errorf("rsym: stabs decode failed: %w", err)
		}
	} else {
		symbolSource = "dbghelp"
		if opts.LineIterator != nil && opts.Resolver != nil {
			log.Debug("no .stab section, falling back to dbghelp")
			primary = dbghelp.Decode(opts.LineIterator, opts.Resolver, opts.SourcePath, pool)
		} else {
			log.Warn("no .stab section and no dbghelp collaborators provided, producing an empty symbol table")
		}
	}

	var coffEntries []rossym.Entry
	if f.HasCOFFSymbols() {
		coffEntries, err = coffsym.Decode(f, pool)
		if err != nil {
			return nil, fmt.Errorf("rsym: coff decode failed: %w", err)
		}
	}

	merged := merge.Merge(primary, coffEntries)

	if opts.Dump {
		return &Result{Dump: &DumpResult{
			Source:        symbolSource,
			Symbols:       merged,
			StringsLength: pool.Len(),
		}}, nil
	}

	var rosSymPayload []byte
	if len(merged) > 0 {
		rosSymPayload = rossym.EncodePayload(merged, pool.Bytes())
	}

	processedRelocs, err := reloc.Process(f)
	if err != nil {
		return nil, fmt.Errorf("rsym: relocation processing failed: %w", err)
	}

	out, err := pewriter.Write(f, processedRelocs, rosSymPayload)
	if err != nil {
		return nil, fmt.Errorf("rsym: failed writing output image: %w", err)
	}

	return &Result{Output: out}, nil
}
