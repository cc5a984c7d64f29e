package engine

import (
	"fmt"

	"github.com/joeycumines/goroutineid"
)

// loopGoroutine records the id of the goroutine running the dispatch
// loop, set once at the top of Run. assertOnLoopGoroutine is the debug
// assertion of spec §5: "per-ticket state is not concurrently mutated by
// two handlers" -- every Store/Machine call must happen on this one
// goroutine.
type loopGoroutine struct {
	id int64
	ok bool
}

func (g *loopGoroutine) capture() {
	g.id = goroutineid.Get()
	g.ok = true
}

// assertOnLoopGoroutine panics if called from a goroutine other than the
// one that started the dispatch loop. Debug build only: callers gate
// this behind the engine's debug flag so a production build pays nothing
// for the stack-parsing goroutineid.Get() call on every dispatch step.
func (g *loopGoroutine) assertOnLoopGoroutine() {
	if !g.ok {
		return
	}
	if id := goroutineid.Get(); id != g.id {
		panic(fmt.Sprintf("engine: ticket state mutated from goroutine %d, dispatch loop is %d", id, g.id))
	}
}
