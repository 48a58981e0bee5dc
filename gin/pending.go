package gin

// pendingQueue is the FIFO of sub-requests that previously returned
// TemporarilyUnavailable, mirrored from cm's pendingQueue (spec.md §4.3
// "Progress", reused by GIN for the same -EAGAIN retry discipline across
// its rails).
type pendingQueue struct {
	items []*request
}

func (q *pendingQueue) push(r *request) {
	q.items = append(q.items, r)
}

func (q *pendingQueue) len() int {
	return len(q.items)
}

// drain retries each queued sub-request's progress() in FIFO order,
// stopping at the first one that still returns TemporarilyUnavailable and
// leaving it (and everything behind it) queued.
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
