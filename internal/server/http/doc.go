// Package httpserver is the storq ops API: health, stats, enqueue, message
// and dead-letter inspection, cluster membership, and a websocket event
// feed off the node's bus.
//
// Example:
//
//	node, _ := storq.Open(ctx, cfg)
//	s := httpserver.New(node, httpserver.Options{Core: node.Coordinator(), Bus: node.Events()})
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
