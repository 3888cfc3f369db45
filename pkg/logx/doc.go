// Package logx configures livewatch's structured logging.
//
// Logger wraps zerolog with short console timestamps and file:line
// callers; file output stays JSON. Each subsystem takes its own logger via
// Component, and Sampled throttles warnings that would repeat every tick.
package logx
