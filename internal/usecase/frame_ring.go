package usecase

import "livelens/internal/domain"

const cameraFrameCapacity = 5

// frameRing keeps the most recent camera frames in a fixed backing array.
type frameRing struct {
	frames [cameraFrameCapacity]domain.CameraFrame
	next   int
	size   int
}

func (r *frameRing) Add(frame domain.CameraFrame) {
	r.frames[r.next] = frame
	r.next = (r.next + 1) % cameraFrameCapacity
	if r.size < cameraFrameCapacity {
		r.size++
	}
}

// Snapshot returns frames oldest first.
func (r *frameRing) Snapshot() []domain.CameraFrame {
	out := make([]domain.CameraFrame, 0, r.size)
	start := (r.next - r.size + cameraFrameCapacity) % cameraFrameCapacity
	for i := 0; i < r.size; i++ {
		out = append(out, r.frames[(start+i)%cameraFrameCapacity])
	}
	return out
}
