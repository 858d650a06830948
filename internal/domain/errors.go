package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RateLimitMarker is the status text Google-style APIs use for quota errors.
const RateLimitMarker = "RESOURCE_EXHAUSTED"

var (
	ErrConnectionTimeout = errors.New("transcription connection timed out")
	ErrEmptyTranscript   = errors.New("no finalized transcript to analyze")
	ErrAdmissionRejected = errors.New("audio chunk rejected")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoActiveSession   = errors.New("no active session")
)

// ProviderError is a normalized failure from an analysis, image, or summary provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" request failed")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d", e.StatusCode)
		if e.Status != "" {
			b.WriteString(" ")
			b.WriteString(e.Status)
		}
		b.WriteString(")")
	} else if e.Status != "" {
		fmt.Fprintf(&b, " (%s)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatusCode reports the upstream HTTP status, or 0 when unknown.
func (e *ProviderError) HTTPStatusCode() int { return e.StatusCode }

// RetryDelay reports the server-supplied retry hint, if any.
func (e *ProviderError) RetryDelay() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// RateLimited reports whether this error represents a provider quota rejection.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || strings.EqualFold(e.Status, RateLimitMarker)
}

// AdmissionError carries the reason an audio chunk was refused.
type AdmissionError struct {
	Reason AdmissionReason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAdmissionRejected.Error(), e.Reason)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// AdmissionReason names the limit that rejected a pending audio chunk.
type AdmissionReason string

const (
	AdmissionChunkCountLimit AdmissionReason = "chunk-count-limit"
	AdmissionChunkSizeLimit  AdmissionReason = "chunk-size-limit"
	AdmissionTotalSizeLimit  AdmissionReason = "total-size-limit"
)

// PublicMessage converts an error into text that is safe to send to clients.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConnectionTimeout) {
		return "Transcription service did not respond in time"
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNoActiveSession) {
		return "Session is not active"
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		name := providerErr.Provider
		if name == "" {
			name = "provider"
		}
		if providerErr.RateLimited() {
			return fmt.Sprintf("The %s service is rate limited; please try again shortly", name)
		}
		if providerErr.StatusCode > 0 {
			return fmt.Sprintf("The %s service returned an error (status %d)", name, providerErr.StatusCode)
		}
		return fmt.Sprintf("The %s service request failed", name)
	}
	return "An internal error occurred"
}
