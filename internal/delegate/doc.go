// Package delegate implements the lead side of task delegation: it creates
// a task record, starts a worker through a Backend (a spawned OS process or
// an in-process goroutine), and either tails the record and outbox until
// the task is terminal or hands back a launch handle for later polling.
//
// It also provides the read-only query helpers the CLI builds on:
// TaskStatus for a one-shot record read, WaitForRecord to block until a
// record is terminal, and WaitForOutput for out-of-band captured commands.
package delegate
