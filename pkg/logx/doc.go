// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the bot never imports zerolog directly:
// components receive a Logger value, derive sub-loggers with With(),
// and emit leveled events built from Field helpers. The zero Logger
// value is a safe no-op, which keeps constructors testable without
// plumbing a logger everywhere.
package logx
