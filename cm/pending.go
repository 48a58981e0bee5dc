package cm

// pendingQueue is the FIFO of requests that previously returned
// TemporarilyUnavailable (spec.md §4.3 "Progress"). Every public entry
// point drains it before doing anything else.
type pendingQueue struct {
	items []*request
}

func (q *pendingQueue) push(r *request) {
	q.items = append(q.items, r)
}

func (q *pendingQueue) len() int {
	return len(q.items)
}

// drain retries each queued request's progress() in FIFO order. It stops at
// the first request that still returns TemporarilyUnavailable, leaving it
// (and everything behind it) in place — spec.md §8's "CM pending-queue
// monotonicity": on success the queue shrinks or stays the same, and on
// -EAGAIN the head stays at the front and the drain stops. Any other error
// aborts the drain and is returned alongside the request that produced it.
func (q *pendingQueue) drain() (*request, error) {
	i := 0
	for ; i < len(q.items); i++ {
		req := q.items[i]
		err := req.progress()
		if err == nil {
			continue
		}
		if IsTemporarilyUnavailable(err) {
			break
		}
		failed := req
		q.items = q.items[i+1:]
		return failed, err
	}
	q.items = q.items[i:]
	return nil, nil
}
