//go:build debug

// Package debug provides assertion helpers that compile to no-ops unless
// the binary is built with `-tags debug`.
package debug

import (
	"fmt"
	"os"
)

func ON() bool { return true }

func Infof(format string, a ...any) { fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", a...) }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprint(append([]any{"assertion failed: "}, a...)...))
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: " + err.Error())
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, a...))
	}
}
