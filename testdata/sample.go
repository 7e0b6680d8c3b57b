package sample

import (
	"sync/atomic"

	"github.com/ZenLiuCN/dynhost/framework"
)

// go:generate go install github.com/ZenLiuCN/dynhost/cmd/dynhost@latest
//
//go:generate dynhost compile -o sample.o sample.go

var (
	Started atomic.Int32
	Last    atomic.Uintptr
)

type Main struct{}

func (Main) StartMod() {
	Started.Add(1)
}

func (Main) Foo(h framework.Handle) {
	Last.Store(uintptr(h))
}

func Types() []any {
	return []any{Main{}}
}
