package audio

import "fmt"

// DropPolicy decides which frames survive when the capture consumer falls
// behind the device. Admit runs on the device thread under the capture lock
// and must not block or allocate beyond growing queue.
type DropPolicy interface {
	// Admit appends f to queue, evicting frames so the result stays within the
	// policy's bound for the given capacity. It returns the new queue and the
	// number of frames evicted.
	Admit(queue []AudioFrame, f AudioFrame, capacity int) ([]AudioFrame, int)
}

// DropStrategy names a built-in [DropPolicy] in configuration.
type DropStrategy string

const (
	DropKeepLatest      DropStrategy = "keep_latest"
	DropBufferAndReplay DropStrategy = "buffer_replay"
)

// Policy builds the named policy. backlog is only used by
// [DropBufferAndReplay]; zero selects its default.
func (s DropStrategy) Policy(backlog int) (DropPolicy, error) {
	switch s {
	case DropKeepLatest, "":
		return KeepLatest{}, nil
	case DropBufferAndReplay:
		return BufferAndReplay{Backlog: backlog}, nil
	default:
		return nil, fmt.Errorf("audio: unknown drop strategy %q", s)
	}
}

// KeepLatest bounds the queue to capacity and evicts the oldest frames first,
// so the consumer always resumes close to real time.
type KeepLatest struct{}

func (KeepLatest) Admit(queue []AudioFrame, f AudioFrame, capacity int) ([]AudioFrame, int) {
	return admitBounded(queue, f, max(capacity, 1))
}

// DefaultReplayBacklog is one second of 20 ms frames.
const DefaultReplayBacklog = 50

// BufferAndReplay lets the queue grow up to Backlog frames beyond capacity so a
// briefly stalled consumer receives every frame in order once it catches up.
// Past that bound the oldest frames are evicted.
type BufferAndReplay struct {
	Backlog int
}

func (p BufferAndReplay) Admit(queue []AudioFrame, f AudioFrame, capacity int) ([]AudioFrame, int) {
	backlog := p.Backlog
	if backlog <= 0 {
		backlog = DefaultReplayBacklog
	}
	return admitBounded(queue, f, max(capacity, 1)+backlog)
}

func admitBounded(queue []AudioFrame, f AudioFrame, limit int) ([]AudioFrame, int) {
	dropped := 0
	if len(queue) >= limit {
		dropped = len(queue) - limit + 1
		n := copy(queue, queue[dropped:])
		clear(queue[n:])
		queue = queue[:n]
	}
	return append(queue, f), dropped
}

var (
	_ DropPolicy = KeepLatest{}
	_ DropPolicy = BufferAndReplay{}
)
