// Package parallel runs groups of steps concurrently.
//
// Each step writes its output to a private temp file. The runner waits on the
// steps in the order they were given and streams the output of the earliest
// unfinished step while later steps keep buffering, so output from different
// steps never interleaves.
//
// A step that produces no output for the silent timeout is considered hung
// and is cancelled. Steps backed by a subprocess (see CommandStep) are then
// terminated with an escalating series of signals: SIGXCPU, SIGTERM, and
// finally SIGKILL.
//
// Calls to RunParallelSteps made from inside a running step get a silent
// timeout that is a little shorter than their parent's, so the innermost pool
// notices a hang and reports it before an outer pool kills the whole tree.
package parallel
