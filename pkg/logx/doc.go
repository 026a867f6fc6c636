// Package logx is the structured logger shared by every clustersched
// component.
//
// Logger is a value type over zerolog. Console output is human readable
// with a short caller, the file sink writes JSON lines, and Service swaps
// both at runtime on config reload. Throttle rate-limits warnings that
// repeat per key (one task, one peer).
package logx
