//go:build !debug

package build

// LogLevel is the level stdout loggers of development builds start with.
const LogLevel = "info"
