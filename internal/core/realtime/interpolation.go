package realtime

import (
	"sync"
	"time"
)

// DefaultInterpolationDelay trades added render latency for smoothness: the
// rendered view deliberately runs this far behind the newest snapshot so a
// bracketing pair usually exists.
const DefaultInterpolationDelay = 100 * time.Millisecond

// DefaultBufferSize bounds the snapshot history.
const DefaultBufferSize = 10

type InterpolatorConfig struct {
	Delay      time.Duration
	BufferSize int
}

func DefaultInterpolatorConfig() InterpolatorConfig {
	return InterpolatorConfig{
		Delay:      DefaultInterpolationDelay,
		BufferSize: DefaultBufferSize,
	}
}

type timedSnapshot struct {
	snapshot   WorldSnapshot
	receivedAt time.Time
}

// Interpolator buffers authoritative snapshots tagged with local receipt
// time and renders a time-delayed, smoothed view of remote entities. It
// never mutates predicted state.
type Interpolator struct {
	config InterpolatorConfig

	mu     sync.Mutex
	buffer []timedSnapshot
}

func NewInterpolator(config InterpolatorConfig) *Interpolator {
	if config.Delay <= 0 {
		config.Delay = DefaultInterpolationDelay
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	return &Interpolator{config: config}
}

// Push appends a snapshot, dropping the oldest once the buffer is full.
func (in *Interpolator) Push(snapshot WorldSnapshot, receivedAt time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buffer = append(in.buffer, timedSnapshot{snapshot: snapshot, receivedAt: receivedAt})
	if len(in.buffer) > in.config.BufferSize {
		in.buffer = in.buffer[len(in.buffer)-in.config.BufferSize:]
	}
}

// Latest returns the newest buffered snapshot verbatim.
func (in *Interpolator) Latest() (WorldSnapshot, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.buffer) == 0 {
		return WorldSnapshot{}, false
	}
	return in.buffer[len(in.buffer)-1].snapshot, true
}

// View produces the render state for the given wall-clock time. Remote
// entities are interpolated between the pair of snapshots straddling
// now minus the interpolation delay; the local entity, when provided, is
// substituted with the live predicted state so local motion carries no
// added latency. With no bracketing pair the newest snapshot is used
// verbatim.
func (in *Interpolator) View(now time.Time, localID string, local *Entity) (WorldSnapshot, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.buffer) == 0 {
		return WorldSnapshot{}, false
	}

	renderTime := now.Add(-in.config.Delay)

	var from, to *timedSnapshot
	for i := 0; i < len(in.buffer)-1; i++ {
		if !in.buffer[i].receivedAt.After(renderTime) && !in.buffer[i+1].receivedAt.Before(renderTime) {
			from = &in.buffer[i]
			to = &in.buffer[i+1]
			break
		}
	}

	if from == nil || to == nil {
		return substituteLocal(in.buffer[len(in.buffer)-1].snapshot, localID, local), true
	}

	total := to.receivedAt.Sub(from.receivedAt).Seconds()
	t := 0.0
	if total > 0 {
		t = renderTime.Sub(from.receivedAt).Seconds() / total
	}

	out := WorldSnapshot{
		Timestamp: to.snapshot.Timestamp,
		Entities:  make([]Entity, 0, len(from.snapshot.Entities)),
	}
	for _, fromEntity := range from.snapshot.Entities {
		if fromEntity.ID == localID && local != nil {
			out.Entities = append(out.Entities, *local)
			continue
		}
		toEntity, ok := to.snapshot.Entity(fromEntity.ID)
		if !ok {
			// Entity left between snapshots; hold the old state.
			out.Entities = append(out.Entities, fromEntity)
			continue
		}
		blended := fromEntity
		blended.Position.X = Lerp(fromEntity.Position.X, toEntity.Position.X, t)
		blended.Position.Y = Lerp(fromEntity.Position.Y, toEntity.Position.Y, t)
		blended.Rotation = LerpAngle(fromEntity.Rotation, toEntity.Rotation, t)
		out.Entities = append(out.Entities, blended)
	}
	return out, true
}

func substituteLocal(snapshot WorldSnapshot, localID string, local *Entity) WorldSnapshot {
	if local == nil {
		return snapshot
	}
	out := WorldSnapshot{Timestamp: snapshot.Timestamp, Entities: make([]Entity, len(snapshot.Entities))}
	copy(out.Entities, snapshot.Entities)
	for i := range out.Entities {
		if out.Entities[i].ID == localID {
			out.Entities[i] = *local
		}
	}
	return out
}
