// Package thread holds the per-thread state of the guard runtime.
//
// Each OS thread that reaches the runtime gets one Context, created on first
// use and never freed. The Context owns the thread's isolated stack, the
// active stack pointer handle, the nesting depth of isolated calls and the
// type-region side channel. Nothing in a Context is shared between threads.
//
// Contexts are resolved through Registry.Current, keyed by
// platform.ThreadID. Callers lock the goroutine to its thread
// (runtime.LockOSThread) for as long as they use the Context.
package thread
