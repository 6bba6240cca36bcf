package api

import (
	"runtime"

	"github.com/kolkov/metaguard/internal/guard/thread"
)

// Synchronizer is implemented by protected pointer types. Synchronize
// brings the object's shadow metadata up to date.
type Synchronizer interface {
	Synchronize()
}

// onThread runs f on the context of the calling thread with the goroutine
// locked to that thread, so f never touches the context of a thread the
// goroutine has migrated away from.
func (rt *Runtime) onThread(f func(ctx *thread.Context)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f(rt.threads.Current())
}

// RegionStart marks entry into unsafe region id on the calling thread.
func (rt *Runtime) RegionStart(id uint64) {
	rt.onThread(func(ctx *thread.Context) {
		ctx.Stats.RegionStarts++
		if ctx.Region != 0 {
			ctx.Stats.Unbalanced++
		}
		ctx.Region = id
	})
}

// RegionEnd marks exit from unsafe region id on the calling thread. Region
// ids are diagnostic: an end closes whatever region is open.
func (rt *Runtime) RegionEnd(id uint64) {
	rt.onThread(func(ctx *thread.Context) {
		ctx.Stats.RegionEnds++
		if ctx.Region == 0 {
			ctx.Stats.Unbalanced++
		}
		ctx.Region = 0
	})
}

// Validate runs the validator of v.
func (rt *Runtime) Validate(v Synchronizer) {
	rt.onThread(func(ctx *thread.Context) {
		ctx.Stats.Validations++
	})
	v.Synchronize()
}

// SetTypeRegion writes the type-region side channel of the calling thread.
func (rt *Runtime) SetTypeRegion(tag uint8) {
	rt.onThread(func(ctx *thread.Context) {
		ctx.TypeRegion = tag
	})
}

// TypeRegion reads the type-region side channel of the calling thread.
func (rt *Runtime) TypeRegion() (tag uint8) {
	rt.onThread(func(ctx *thread.Context) {
		tag = ctx.TypeRegion
	})
	return tag
}

// Region returns the id of the unsafe region open on the calling thread,
// zero if none.
func (rt *Runtime) Region() (id uint64) {
	rt.onThread(func(ctx *thread.Context) {
		id = ctx.Region
	})
	return id
}
