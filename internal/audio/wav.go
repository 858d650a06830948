package audio

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/youpy/go-wav"
)

// WAVFile streams a WAV file byte for byte, header included.
type WAVFile struct {
	file     *os.File
	format   *wav.WavFormat
	duration time.Duration
}

func OpenWAV(path string) (*WAVFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.ByteRate == 0 {
		file.Close()
		return nil, fmt.Errorf("unsupported WAV encoding %d", format.AudioFormat)
	}
	duration, err := reader.Duration()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read WAV duration: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to rewind audio file: %w", err)
	}

	return &WAVFile{file: file, format: format, duration: duration}, nil
}

func (w *WAVFile) Read(p []byte) (int, error) {
	return w.file.Read(p)
}

func (w *WAVFile) BytesPerSecond() int {
	return int(w.format.ByteRate)
}

func (w *WAVFile) SampleRate() int {
	return int(w.format.SampleRate)
}

func (w *WAVFile) Channels() int {
	return int(w.format.NumChannels)
}

func (w *WAVFile) Duration() time.Duration {
	return w.duration
}

func (w *WAVFile) Close() error {
	return w.file.Close()
}
