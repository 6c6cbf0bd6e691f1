package bridgehook

import (
	"debug/elf"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// elfInfo indexes the running executable's symbol table so detours can
// refuse to measure a prologue past the end of a known-small function. On
// hosts whose executable is not ELF (or is stripped) lookups simply fail and
// the decoder's own bounds apply.
type elfInfo struct {
	file    string
	symbols []elf.Symbol
}

var (
	elfOnce sync.Once
	elfInst *elfInfo
)

func currentElfInfo() *elfInfo {
	elfOnce.Do(func() {
		exe, err := filepath.Abs(os.Args[0])
		if err != nil {
			return
		}
		ei := &elfInfo{file: exe}
		if ei.init() == nil {
			elfInst = ei
		}
	})
	return elfInst
}

func (ei *elfInfo) init() error {
	f, err := elf.Open(ei.file)
	if err != nil {
		return err
	}
	defer f.Close()

	sym, err := f.Symbols()
	if err != nil {
		return err
	}
	sort.Slice(sym, func(i, j int) bool { return sym[i].Value < sym[j].Value })
	ei.symbols = sym
	return nil
}

// functionSize returns the symbol-table size of the function starting at
// addr, or an error when the symbol is unknown.
func functionSize(addr uintptr) (uint32, error) {
	ei := currentElfInfo()
	if ei == nil || len(ei.symbols) == 0 {
		return 0, errors.New("no symbol table")
	}

	i := sort.Search(len(ei.symbols), func(i int) bool { return ei.symbols[i].Value >= uint64(addr) })
	if i < len(ei.symbols) && ei.symbols[i].Value == uint64(addr) {
		return uint32(ei.symbols[i].Size), nil
	}
	return 0, errors.New("no symbol at address")
}
