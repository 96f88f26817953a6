// Package runtime defines the execution surface the placement core
// drives: start a task, stop it, wait for its exit. The Recorder
// implementation backs tests with scripted exits; a real agent plugs in
// behind the same Executor interface.
package runtime
