// Package audio provides the byte-level building blocks of the playback
// path: a FIFO queue of variably-sized audio chunks and the G.711
// companding codecs.
package audio

// ChunkQueue is a FIFO of variably-sized byte chunks. The producer pushes
// payloads of arbitrary size; the consumer pulls an exact byte count,
// draining across chunk boundaries. Partially consumed chunks keep only
// their unconsumed tail, so a pull touches O(chunks) rather than
// reallocating the whole backlog.
//
// ChunkQueue is not safe for concurrent use. Callers hold the owning
// stream's mutex around every operation.
type ChunkQueue struct {
	chunks [][]byte
	total  int
	pulls  uint64
}

// NewChunkQueue creates an empty queue.
func NewChunkQueue() *ChunkQueue {
	return &ChunkQueue{}
}

// Push appends a copy of data as a new chunk at the tail. Empty payloads
// are ignored. Push never fails; bounding total queued bytes is the
// caller's policy.
func (q *ChunkQueue) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	q.chunks = append(q.chunks, chunk)
	q.total += len(chunk)
}

// PullInto fills dst from the head of the queue, consuming whole chunks
// greedily and trimming the last chunk touched in place. It returns the
// number of bytes written, which is min(len(dst), TotalBytes()).
func (q *ChunkQueue) PullInto(dst []byte) int {
	pulled := 0
	for pulled < len(dst) && len(q.chunks) > 0 {
		head := q.chunks[0]
		n := copy(dst[pulled:], head)
		pulled += n
		if n == len(head) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
		} else {
			q.chunks[0] = head[n:]
		}
	}
	q.total -= pulled
	if pulled > 0 {
		q.pulls++
	}
	if len(q.chunks) == 0 {
		q.chunks = nil
	}
	return pulled
}

// Clear discards all pending chunks immediately. Used for barge-in.
func (q *ChunkQueue) Clear() {
	q.chunks = nil
	q.total = 0
}

// Len returns the number of pending chunks.
func (q *ChunkQueue) Len() int {
	return len(q.chunks)
}

// TotalBytes returns the sum of unconsumed bytes across all chunks.
func (q *ChunkQueue) TotalBytes() int {
	return q.total
}

// Pulls returns how many non-empty pulls have drained the queue.
func (q *ChunkQueue) Pulls() uint64 {
	return q.pulls
}
