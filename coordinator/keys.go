package coordinator

// Coordination state shares one small keyspace across every worker in a
// deployment. Heartbeats fan out under a common prefix so membership is one
// prefix listing; the epoch is a single key so leadership changes are one
// conditional write.

const (
	// workerPrefix holds one heartbeat record per live worker.
	// Format: coord/workers/{workerId}
	workerPrefix = "coord/workers/"

	// epochKey holds the current leadership epoch.
	epochKey = "coord/epoch"

	// electionLease serializes epoch writes while an election runs. Losers
	// re-read the epoch the winner wrote instead of retrying the write.
	electionLease = "election"
)

// workerKey returns the heartbeat key for one worker.
// Format: coord/workers/{workerId}
func workerKey(workerID string) string {
	return workerPrefix + workerID
}
