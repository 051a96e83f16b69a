package merge

import (
	"testing"

	"github.com/reactos/rsym/pkg/rsym/rossym"
)

func TestMergeDonatesFunctionNameAndKeepsOrphan(t *testing.T) {
	stab := []rossym.Entry{
		{Address: 0x1000, FileOffset: 1},
		{Address: 0x1010, FileOffset: 1, SourceLine: 5},
	}
	coff := []rossym.Entry{
		{Address: 0x1000, FunctionOffset: 100},
		{Address: 0x1080, FunctionOffset: 200},
	}

	out := Merge(stab, coff)
	if len(out) != 3 {
		t.Fatalf("expected 3 merged records, got %d: %+v", len(out), out)
	}

	if out[0].Address != 0x1000 || out[0].FunctionOffset != 0 {
		t.Errorf("out[0] = %+v, want Address 0x1000 FunctionOffset 0 (coff at the exact function start address is not donated)", out[0])
	}
	if out[1].Address != 0x1010 || out[1].FunctionOffset != 100 {
		t.Errorf("out[1] = %+v, want Address 0x1010 FunctionOffset 100 (donated from the preceding coff symbol)", out[1])
	}
	if out[2].Address != 0x1080 || out[2].FunctionOffset != 200 {
		t.Errorf("out[2] = %+v, want the unconsumed coff record appended as an orphan", out[2])
	}
}

func TestMergeCollapsesSameAddressStabRuns(t *testing.T) {
	stab := []rossym.Entry{
		{Address: 0x2000, FileOffset: 7},
		{Address: 0x2000, SourceLine: 9},
	}
	out := Merge(stab, nil)
	if len(out) != 1 {
		t.Fatalf("expected same-address stab records to collapse into 1, got %d: %+v", len(out), out)
	}
	if out[0].FileOffset != 7 || out[0].SourceLine != 9 {
		t.Errorf("collapsed record = %+v, want FileOffset 7 and SourceLine 9 merged in from both runs", out[0])
	}
}

func TestMergeEmptyStabReturnsNil(t *testing.T) {
	out := Merge(nil, []rossym.Entry{{Address: 1, FunctionOffset: 2}})
	if out != nil {
		t.Errorf("Merge with no stab input should return nil regardless of coff content, got %+v", out)
	}
}

func TestMergeDropsZeroAddressOrphans(t *testing.T) {
	stab := []rossym.Entry{{Address: 0x1000}}
	coff := []rossym.Entry{{Address: 0, FunctionOffset: 5}}
	out := Merge(stab, coff)
	if len(out) != 1 {
		t.Errorf("a coff record at address 0 should never be kept as an orphan, got %+v", out)
	}
}
