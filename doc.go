// Package rewind is a durable workflow engine: workflows are ordinary Go
// functions whose progress is recorded as an event history, so a crashed or
// redeployed process replays the history and resumes exactly where it left
// off.
//
// # Model
//
// A workflow orchestrates; an activity does real work. Workflow code must be
// deterministic, so every side effect goes through the workflow Context,
// which records it as history events. Replaying the same history drives the
// function down the same path, and recorded steps are never re-executed.
// Activities have no such restriction: they run at least once, retried per
// their policy, and only their recorded outcome is durable.
//
// Both are defined with typed constructors and registered by name:
//
//	var Charge = rewind.NewActivity("charge",
//		func(ctx *rewind.ActivityContext, amount float64) (string, error) {
//			return chargeCard(ctx, amount)
//		},
//		rewind.DefaultRetryPolicy,
//	)
//
//	var Checkout = rewind.NewWorkflow("checkout",
//		func(ctx *rewind.Context, order Order) (Receipt, error) {
//			txn, err := rewind.Call(ctx, Charge, order.Total).Get()
//			if err != nil {
//				return Receipt{}, err
//			}
//			return Receipt{Transaction: txn}, nil
//		},
//	)
//
// # Running
//
// A Backend stores instance state and queues work, a Worker polls it and
// executes, and a Client starts instances and talks to them:
//
//	backend := rewind.NewMemoryBackend()
//
//	reg := rewind.NewRegistry(nil)
//	rewind.RegisterWorkflow(reg, Checkout)
//	rewind.RegisterActivity(reg, Charge)
//
//	worker := rewind.NewWorker(backend, reg, rewind.WorkerConfig{})
//	go worker.Run(ctx)
//
//	client := rewind.Client{Backend: backend}
//	exec, _ := rewind.Start(ctx, client, Checkout, order)
//	receipt, err := exec.Get(ctx)
//
// Any number of workers can share one backend. A per-instance lease keeps
// two of them from activating the same instance at once, and task claims
// make delivery at-least-once while recorded outcomes apply at most once.
//
// # Waiting
//
// Inside a workflow, Call, CallChild, WaitForEvent and CreateTimer return
// tasks that Await without occupying a worker: when the result is not in
// history yet, the execution suspends and resumes on a later activation.
// WhenAll, WhenAny and SettleAll combine tasks, which makes a deadline a
// race:
//
//	approval := rewind.WaitForEvent[Approval](ctx, "manager-approval")
//	deadline := ctx.CreateTimer(24 * time.Hour)
//	if ctx.WhenAny(approval.Task, deadline).Await() == deadline {
//		// timed out
//	}
//
// Workflows that loop forever call ctx.ContinueAsNew to restart with a
// fresh history under the same instance ID; unconsumed external events
// carry over.
//
// # Backends
//
// NewMemoryBackend is for tests and examples. Package sqlitestore keeps
// everything in a SQLite file and pgstore in Postgres; both implement the
// full Backend. Package natsq implements only the queue half on NATS
// JetStream; pair it with a history store through SplitBackend.
package rewind
