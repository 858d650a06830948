package usecase

import "livelens/internal/domain"

// BufferLimits bounds audio held before the transcription stream is ready.
type BufferLimits struct {
	MaxChunks     int
	MaxChunkBytes int
	MaxTotalBytes int
}

// DefaultBufferLimits holds roughly ten seconds of compressed browser audio.
func DefaultBufferLimits() BufferLimits {
	return BufferLimits{
		MaxChunks:     100,
		MaxChunkBytes: 64 * 1024,
		MaxTotalBytes: 1024 * 1024,
	}
}

// AdmissionDecision reports whether a chunk may be buffered and, if not, why.
type AdmissionDecision struct {
	Admit  bool
	Reason domain.AdmissionReason
}

// Err returns the rejection as an error wrapping domain.ErrAdmissionRejected,
// or nil when the chunk was admitted.
func (d AdmissionDecision) Err() error {
	if d.Admit {
		return nil
	}
	return &domain.AdmissionError{Reason: d.Reason}
}

// CanBufferPendingAudio decides whether a pending chunk fits the buffer limits.
// It does not mutate any counters.
func CanBufferPendingAudio(limits BufferLimits, chunkBytes int, pendingChunks int, pendingBytes int) AdmissionDecision {
	if pendingChunks >= limits.MaxChunks {
		return AdmissionDecision{Reason: domain.AdmissionChunkCountLimit}
	}
	if chunkBytes > limits.MaxChunkBytes {
		return AdmissionDecision{Reason: domain.AdmissionChunkSizeLimit}
	}
	if pendingBytes+chunkBytes > limits.MaxTotalBytes {
		return AdmissionDecision{Reason: domain.AdmissionTotalSizeLimit}
	}
	return AdmissionDecision{Admit: true}
}
