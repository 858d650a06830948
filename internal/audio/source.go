package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// Source is an encoded audio stream with a known byte rate. The bytes are
// forwarded as-is, so sources produce self-describing containers.
type Source interface {
	io.Reader
	BytesPerSecond() int
	Close() error
}

// Pump reads src in chunks of roughly chunk duration and hands each one to
// send, sleeping as needed so delivery does not run ahead of real time.
func Pump(ctx context.Context, src Source, chunk time.Duration, send func([]byte) error) (int64, error) {
	bps := src.BytesPerSecond()
	if bps <= 0 {
		return 0, errors.New("audio source has no byte rate")
	}
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	size := int(int64(bps) * int64(chunk) / int64(time.Second))
	if size < 256 {
		size = 256
	}

	buf := make([]byte, size)
	start := time.Now()
	var sent int64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if sendErr := send(append([]byte(nil), buf[:n]...)); sendErr != nil {
				return sent, sendErr
			}
			sent += int64(n)

			due := start.Add(time.Duration(sent * int64(time.Second) / int64(bps)))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
	}
}
