/*
Package executor provides ManagedExecutor, a bounded pool of goroutines with
a bounded task queue.

The pool grows lazily from zero workers up to a maximum and shrinks again
when workers stay idle. Execute never blocks: a full queue rejects the task
with ErrRejected so callers can turn back-pressure into an error response
instead of piling up goroutines.

	ex := executor.NewManagedExecutor("rpc", 16, 1024)
	defer ex.Shutdown()

	if err := ex.Execute(func() { handle(req) }); err != nil {
		// overloaded
	}
*/
package executor
