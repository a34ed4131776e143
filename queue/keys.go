package queue

// Key prefixes for queue data structures. Everything for one queue lives
// under q/{queue}/ so a single prefix wipe removes it; the registry record
// sits apart under qmeta/ so listing queues never scans message bodies.
const (
	prefixMsg    = "msg/"   // message records
	prefixDead   = "dead/"  // dead-letter copies this queue received as a target
	prefixDone   = "done/"  // processed markers (TTL)
	prefixRecord = "rec/"   // business records for the store-backed target
	prefixMeta   = "qmeta/" // queue registry records
)

// queuePrefix returns the base prefix for a queue.
// Format: q/{queue}/
func queuePrefix(queue string) string {
	return "q/" + queue + "/"
}

// msgKey returns the key for a message record.
// Format: q/{queue}/msg/{id}
func msgKey(queue, id string) string {
	return queuePrefix(queue) + prefixMsg + id
}

// msgPrefix returns the prefix for scanning all messages in a queue.
// Format: q/{queue}/msg/
func msgPrefix(queue string) string {
	return queuePrefix(queue) + prefixMsg
}

// deadKey returns the key for a dead-letter copy.
// Format: q/{queue}/dead/{id}
func deadKey(queue, id string) string {
	return queuePrefix(queue) + prefixDead + id
}

// deadPrefix returns the prefix for scanning a queue's dead letters.
// Format: q/{queue}/dead/
func deadPrefix(queue string) string {
	return queuePrefix(queue) + prefixDead
}

// doneKey returns the key for a processed marker.
// Format: q/{queue}/done/{id}
func doneKey(queue, id string) string {
	return queuePrefix(queue) + prefixDone + id
}

// recordKey returns the key for a business record held by the store-backed
// target.
// Format: q/{queue}/rec/{id}
func recordKey(queue, id string) string {
	return queuePrefix(queue) + prefixRecord + id
}

// metaKey returns the registry key for a queue.
// Format: qmeta/{queue}
func metaKey(queue string) string {
	return prefixMeta + queue
}

// claimLeaseName returns the lease serializing claim attempts on one
// message.
// Format: claim/{queue}/{id}
func claimLeaseName(queue, id string) string {
	return "claim/" + queue + "/" + id
}
