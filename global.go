package dynhost

import (
	"sync"

	"github.com/pkujhd/goloader"
)

var (
	host     map[string]uintptr
	hostErr  error
	hostOnce sync.Once
)

// hostSymbols registers the symbols of the running executable once.
//
// Every Symbols created by NewSymbols starts as a copy of this table, this is how dynamics share the
// host copy of a package (the framework package for example) instead of linking a private one.
func hostSymbols() (map[string]uintptr, error) {
	hostOnce.Do(func() {
		host = make(map[string]uintptr)
		hostErr = goloader.RegSymbol(host)
	})
	return host, hostErr
}

// ShareTypes registers runtime types into the host table.
func ShareTypes(p ...any) error {
	h, err := hostSymbols()
	if err != nil {
		return err
	}
	goloader.RegTypes(h, p...)
	return nil
}
