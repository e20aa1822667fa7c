// Package logx is procexec's structured logging on top of zerolog.
//
// Components take a Logger by value and derive their own with
// log.With(logx.Component("pool")). Executions are tagged with JobID and
// Job so one run can be followed across the executor, pool and store.
// Console output is human readable; the file sink writes JSON lines.
package logx
