// Package tasks runs background work on a fixed pool of workers.
//
// Work is submitted to an unbounded FIFO queue and executed with a context
// carrying the task id, so code running inside a task can identify itself
// through CurrentTaskID. The derived cache uses that id to mark the slots a
// task is populating.
//
// A panic inside a task is recovered and reported as a *TaskFailure; it never
// takes down the worker.
package tasks
