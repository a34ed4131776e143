// Package queue implements a distributed work queue on nothing but the
// storage adapter: get/set/delete with TTL, conditional writes keyed by an
// opaque version tag, and prefix listing.
//
// Message lifecycle:
//
//	pending -> processing -> completed
//	                      -> pending       (handler error, attempts left)
//	                      -> failed        (attempts exhausted, retry mode)
//	                      -> dead          (attempts exhausted, dead-letter modes)
//	processing -> pending/failed/dead      (visibility timeout, via recovery)
//
// A claim is a conditional write: flip a visible pending message to
// processing against the version tag read moments before. Exactly one of
// any number of racing claimers wins; the rest see a version mismatch and
// move on. All later mutations (complete, fail, retry, dead-letter, lock
// renewal) are conditional writes guarded by the claim's lock token, so a
// worker whose claim timed out and was handed elsewhere cannot overwrite
// the new claimant's progress.
//
// Terminal records (completed, failed, dead) stay readable for a retention
// window and then expire via store TTL.
package queue
