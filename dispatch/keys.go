package dispatch

// Tickets live inside the queue keyspace so operators see one tree per
// queue, but only this package reads or writes them.
const prefixTicket = "ticket/"

// ticketKey is the ticket for one message.
// Format: q/{queue}/ticket/{messageID}
func ticketKey(queue, messageID string) string {
	return "q/" + queue + "/" + prefixTicket + messageID
}

// ticketPrefix lists every live ticket for a queue.
// Format: q/{queue}/ticket/
func ticketPrefix(queue string) string {
	return "q/" + queue + "/" + prefixTicket
}

// orderLeaseName serializes dispatch cycles per queue.
// Format: order/{queue}
func orderLeaseName(queue string) string {
	return "order/" + queue
}
