// Package dbghelp adapts an external line-enumeration/symbol-resolution
// pair into uniform symbol records, for the fallback path used when an
// image carries no .stab section. The enumerator and resolver are
// treated as black boxes; this package owns only the string-interning
// and path-shortening logic around them.
package dbghelp

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/reactos/rsym/pkg/rsym/rossym"
	"github.com/reactos/rsym/pkg/rsym/strpool"
)

// LineEntry is one (address, file, line) tuple surfaced by the
// enumerator, prior to string-pool consolidation.
type LineEntry struct {
	Address uint64
	File    string
	Line    uint32
}

// LineIterator yields source-line entries for a module in whatever
// order the underlying debug-info engine produces them; the adapter
// makes no ordering assumption.
type LineIterator interface {
	// Next returns the next entry and true, or false when exhausted.
	Next() (addr uint64, file string, line uint32, moduleBase uint64, ok bool)
}

// Resolver maps an absolute address to the name of the function
// containing it.
type Resolver interface {
	FunctionAt(addr uint64) (name string, ok bool)
}

// stringTab mirrors the original tool's bucketed string table: strings
// are interned per-bucket during enumeration and given a packed
// (index<<10 | bucket) id, then consolidated into the shared pool in a
// second pass once collection is complete.
type stringTab struct {
	buckets [][]string
	seen    map[string]int
}

const numBuckets = 1024

func newStringTab() *stringTab {
	t := &stringTab{
		buckets: make([][]string, numBuckets),
		seen:    make(map[string]int),
	}
	t.add("")
	return t
}

func (t *stringTab) add(s string) int {
	if id, ok := t.seen[s]; ok {
		return id
	}
	bucket := int(strpool.Hash(s) % numBuckets)
	idx := len(t.buckets[bucket])
	t.buckets[bucket] = append(t.buckets[bucket], s)
	id := (idx << 10) | bucket
	t.seen[s] = id
	return id
}

func (t *stringTab) get(id int) string {
	bucket := id & 0x3ff
	idx := id >> 10
	return t.buckets[bucket][idx]
}

// pathChop computes the prefix this adapter strips from every source
// file name: given the first path containing a directory separator, it
// probes successively longer suffixes (shortest first) against
// sourcePath on disk and keeps the first one found, falling back to the
// full leading directory component when none exists.
func pathChop(firstFile, sourcePath string) string {
	end := strings.LastIndexAny(firstFile, `/\`)
	if end < 0 {
		return ""
	}

	i := end - 1
	for ; i >= 0; i-- {
		if firstFile[i] == '/' || firstFile[i] == '\\' {
			candidate := sourcePath + "/" + firstFile[i+1:]
			if _, err := os.Stat(candidate); err == nil {
				break
			}
		}
	}
	if i < 0 {
		return firstFile[:end+1]
	}
	i++
	return firstFile[:i]
}

func shortenPath(chop, path string) string {
	if chop != "" && strings.HasPrefix(path, chop) {
		return path[len(chop):]
	}
	return path
}

// Decode enumerates lines from it, resolves each address's containing
// function through resolver, and interns file/function names into
// pool. sourcePath feeds the path-chop probe. Records whose address
// resolves to no function are dropped, matching the original tool's
// silent discard of SymFromAddr failures.
func Decode(it LineIterator, resolver Resolver, sourcePath string, pool *strpool.Pool) []rossym.Entry {
	tab := newStringTab()
	var chop string
	chopSet := false

	type rawEntry struct {
		vma        uint64
		fileID     int
		functionID int
		line       uint32
	}
	var raw []rawEntry

	for {
		addr, file, line, moduleBase, ok := it.Next()
		if !ok {
			break
		}

		if !chopSet && strings.ContainsAny(file, `/\`) {
			chop = pathChop(file, sourcePath)
			chopSet = true
		}
		fileID := tab.add(shortenPath(chop, file))

		name, ok := resolver.FunctionAt(addr)
		if !ok {
			continue
		}
		functionID := tab.add(name)

		if addr == 0 {
			logrus.Warn("address is 0")
		}

		raw = append(raw, rawEntry{
			vma:        addr - moduleBase,
			fileID:     fileID,
			functionID: functionID,
			line:       line,
		})
	}

	out := make([]rossym.Entry, len(raw))
	for i, r := range raw {
		out[i] = rossym.Entry{
			Address:        r.vma,
			FileOffset:     pool.Intern(tab.get(r.fileID)),
			FunctionOffset: pool.Intern(tab.get(r.functionID)),
			SourceLine:     r.line,
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return rossym.Compare(&out[i], &out[j]) < 0
	})

	return out
}

// ErrNoLineIterator is an error value for a missing line iterator.
// rsym.Convert does not return it: with no iterator it produces an
// empty primary symbol table.
var ErrNoLineIterator = fmt.Errorf("dbghelp: no line iterator provided")
