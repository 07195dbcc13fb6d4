// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components receive a Logger value and never touch zerolog directly; the
// Service owns the sink configuration (console, file) and can re-apply it
// at runtime without invalidating loggers already handed out.
package logx
