// Package merge fuses the stabs symbol table (the primary source) with
// the COFF symbol table (used to fill gaps stabs leaves, notably for
// assembly-only translation units) into one sorted symbol table.
package merge

import (
	"sort"

	"github.com/reactos/rsym/pkg/rsym/rossym"
)

// Merge implements the address-keyed fusion of stab and coff records:
// same-address stab runs are collapsed, a rolling COFF cursor tracks
// the last COFF record at or before the current stab address, and a
// COFF record strictly between the current stab function's start
// address and the current stab address donates its function name to
// that stab record and is consumed. Any unclaimed COFF record with a
// nonzero address and function offset is appended afterward as an
// orphan. With an empty stab input Merge returns nil, and no COFF
// records are kept. Both inputs must already be sorted by
// rossym.Compare.
//
// Consumption is tracked with a parallel bitmap rather than mutating
// coff in place, so callers (notably the -dump introspection path) can
// keep reading the original coff slice after a merge.
func Merge(stab, coff []rossym.Entry) []rossym.Entry {
	if len(stab) == 0 {
		return nil
	}

	consumed := make([]bool, len(coff))
	out := make([]rossym.Entry, 0, len(stab)+len(coff))

	coffIdx := 0
	var functionStartAddress uint64
	var functionStringOffset uint32

	i := 0
	for i < len(stab) {
		merged := stab[i]
		j := i + 1
		for j < len(stab) && stab[j].Address == stab[i].Address {
			if stab[j].FileOffset != 0 && merged.FileOffset == 0 {
				merged.FileOffset = stab[j].FileOffset
			}
			if stab[j].FunctionOffset != 0 && merged.FunctionOffset == 0 {
				merged.FunctionOffset = stab[j].FunctionOffset
			}
			if stab[j].SourceLine != 0 && merged.SourceLine == 0 {
				merged.SourceLine = stab[j].SourceLine
			}
			j++
		}
		i = j

		// Advance the COFF cursor to the last record at or before the
		// current merged address. coffIdx+1 < len(coff) keeps this a
		// safe lookahead; the original C walks one index further and
		// relies on an incidental allocation slop past the array end.
		for coffIdx+1 < len(coff) && coff[coffIdx+1].Address <= merged.Address {
			coffIdx++
		}

		newFunctionStringOffset := merged.FunctionOffset
		if len(coff) > 0 &&
			coff[coffIdx].Address < merged.Address &&
			functionStartAddress < coff[coffIdx].Address &&
			coff[coffIdx].FunctionOffset != 0 &&
			!consumed[coffIdx] {
			merged.FunctionOffset = coff[coffIdx].FunctionOffset
			consumed[coffIdx] = true
		}

		if functionStringOffset != newFunctionStringOffset {
			functionStartAddress = merged.Address
		}
		functionStringOffset = newFunctionStringOffset

		out = append(out, merged)
	}

	for k, c := range coff {
		if consumed[k] {
			continue
		}
		if c.Address != 0 && c.FunctionOffset != 0 {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return rossym.Compare(&out[i], &out[j]) < 0
	})

	return out
}
