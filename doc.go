// Package storq is a distributed work queue that needs nothing from its
// backing store beyond get/set/delete with TTL, conditional writes keyed
// by an opaque version tag, prefix listing, and short-lived named leases.
// Any store speaking that contract can back a cluster; adapters for an
// in-memory map, Pebble, and Redis ship under storage/.
//
// A Node ties one process into the cluster. It opens the store, joins the
// membership protocol (TTL heartbeats plus a smallest-id election writing
// fixed-duration epochs), builds an engine per configured queue, and
// starts ticket dispatch and cron schedules on whichever node currently
// holds the coordinator epoch. Claims are settled by conditional writes,
// so the coordinator is never a data-path dependency: losing it pauses
// only strict ordering and schedule firing, while plain claims, completes
// and retries keep running.
//
//	cfg := config.Default()
//	cfg.Queues = []config.Queue{{Name: "orders"}}
//
//	node, err := storq.Open(ctx, storq.Options{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer node.Close()
//	node.Start()
//
//	node.RunWorkers("orders", worker.HandlerFunc(func(ctx context.Context, job *worker.Job) error {
//		return process(ctx, job.Record)
//	}))
//
//	node.Enqueue(ctx, "orders", []byte(`{"sku":"a1"}`))
//
// Returning nil from a handler completes the message; returning an error
// routes it through the queue's failure strategy (retry with backoff,
// dead-letter, or the hybrid of both). Messages invisible past their
// visibility timeout are recovered and retried, so a crashed worker loses
// at most one visibility window, never the message.
package storq
