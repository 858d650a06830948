package usecase

import (
	"errors"
	"testing"

	"livelens/internal/domain"
)

func TestCanBufferPendingAudio(t *testing.T) {
	t.Parallel()

	limits := BufferLimits{MaxChunks: 10, MaxChunkBytes: 100, MaxTotalBytes: 500}
	cases := []struct {
		name          string
		chunkBytes    int
		pendingChunks int
		pendingBytes  int
		admit         bool
		reason        domain.AdmissionReason
	}{
		{name: "admits within limits", chunkBytes: 50, pendingChunks: 5, pendingBytes: 250, admit: true},
		{name: "chunk count", chunkBytes: 50, pendingChunks: 10, pendingBytes: 250, reason: domain.AdmissionChunkCountLimit},
		{name: "chunk size", chunkBytes: 101, pendingChunks: 0, pendingBytes: 0, reason: domain.AdmissionChunkSizeLimit},
		{name: "total size", chunkBytes: 100, pendingChunks: 5, pendingBytes: 450, reason: domain.AdmissionTotalSizeLimit},
		{name: "exact total fits", chunkBytes: 100, pendingChunks: 4, pendingBytes: 400, admit: true},
		{name: "count checked first", chunkBytes: 1000, pendingChunks: 10, pendingBytes: 1000, reason: domain.AdmissionChunkCountLimit},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := CanBufferPendingAudio(limits, tc.chunkBytes, tc.pendingChunks, tc.pendingBytes)
			if got.Admit != tc.admit || got.Reason != tc.reason {
				t.Fatalf("unexpected decision: %+v", got)
			}
			err := got.Err()
			if tc.admit && err != nil {
				t.Fatalf("admitted chunk must not carry an error: %v", err)
			}
			var admissionErr *domain.AdmissionError
			if !tc.admit && (!errors.Is(err, domain.ErrAdmissionRejected) || !errors.As(err, &admissionErr) || admissionErr.Reason != tc.reason) {
				t.Fatalf("expected admission error with reason %s, got %v", tc.reason, err)
			}
		})
	}
}
