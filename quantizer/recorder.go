package quantizer

import (
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
)

// codeRecorder keeps a fixed-size ring of recently selected code indices, so
// training can report a histogram of codebook usage. Telemetry is explicit:
// callers feed executed code tensors in and read the histogram out; nothing
// is attached to the model graph.
type codeRecorder struct {
	mu    sync.Mutex
	vocab int
	ring  []int32
	next  int
	total int
}

const codeRingSize = 16384

func newCodeRecorder(vocab int) *codeRecorder {
	return &codeRecorder{vocab: vocab, ring: make([]int32, codeRingSize)}
}

func (r *codeRecorder) record(codes *tensors.Tensor) {
	flat := tensors.CopyFlatData[int32](codes)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range flat {
		r.ring[r.next] = c
		r.next = (r.next + 1) % len(r.ring)
		if r.total < len(r.ring) {
			r.total++
		}
	}
}

func (r *codeRecorder) histogram() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return nil
	}
	counts := make([]int, r.vocab)
	for i := range r.total {
		c := int(r.ring[i])
		if c >= 0 && c < r.vocab {
			counts[c]++
		}
	}
	return counts
}

// RecordCodes feeds executed code indices (the third Forward output) into the
// usage telemetry.
func (q *Quantizer) RecordCodes(codes *tensors.Tensor) {
	q.recorder.record(codes)
}

// CodeHistogram returns usage counts per codebook entry over the most
// recently recorded codes; nil before any were recorded.
func (q *Quantizer) CodeHistogram() []int {
	return q.recorder.histogram()
}
