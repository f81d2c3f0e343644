package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"elida-transcribe/internal/external"
)

// FileProfileLoader adapts external.ProfileStorage (a file path) into the
// decoded-audio-plus-duration shape Processor needs, reading the WAV
// header to compute duration without a full decode library.
type FileProfileLoader struct {
	Storage external.ProfileStorage
}

func (l *FileProfileLoader) LoadProfileAudio(ctx context.Context, uid string) ([]byte, time.Duration, bool) {
	path, ok, err := l.Storage.GetProfileAudioPath(ctx, uid)
	if err != nil || !ok {
		return nil, 0, false
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path resolved by trusted profile storage
	if err != nil {
		return nil, 0, false
	}

	duration, err := wavDuration(data)
	if err != nil {
		return nil, 0, false
	}

	return data, duration, true
}

// wavDuration parses the minimum needed from a canonical PCM WAV header
// (RIFF/fmt /data chunks) to compute playback duration.
func wavDuration(data []byte) (time.Duration, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a canonical WAV file")
	}

	byteRate := binary.LittleEndian.Uint32(data[28:32])
	if byteRate == 0 {
		return 0, fmt.Errorf("invalid wav byte rate")
	}

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if chunkID == "data" {
			seconds := float64(chunkSize) / float64(byteRate)
			return time.Duration(seconds * float64(time.Second)), nil
		}
		offset += 8 + int(chunkSize)
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	return 0, fmt.Errorf("no data chunk found")
}
