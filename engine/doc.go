// Package engine wires admission, dispatch, sandboxing, termination and
// result storage into the evaluation engine.
//
// Submit validates a submission, resolves its resource policy and queues
// it. The dispatch loop hands each evaluation to a supervisor goroutine
// that provisions a sandbox, starts the program and waits for the first of
// exit, timeout, kill or shutdown. The termination controller then shuts
// the sandbox down, the result is persisted and the evaluation leaves
// memory. Status answers from memory while an evaluation is live and from
// the result store afterwards.
//
// Usage:
//
//	eng, err := engine.New(logger, engine.DefaultSettings, resolver, provisioner, runtime, results)
//	if err != nil {
//	    return err
//	}
//	_ = eng.Start(ctx)
//	id, err := eng.Submit(ctx, evaluation.Submission{Code: code, Language: "python"})
package engine
