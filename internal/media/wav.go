package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuongbtq/transcribe-engine/internal/engine"
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// probeWAV walks the RIFF chunk list and derives sample rate from the
// fmt chunk and duration from the data chunk size over the byte rate.
func probeWAV(r io.Reader) (engine.AudioInfo, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return engine.AudioInfo{}, errNotWAV
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return engine.AudioInfo{}, errNotWAV
	}

	var sampleRate, byteRate, dataSize uint32
scan:
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			break
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return engine.AudioInfo{}, fmt.Errorf("fmt chunk too small: %d", size)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return engine.AudioInfo{}, fmt.Errorf("truncated fmt chunk: %w", err)
			}
			sampleRate = binary.LittleEndian.Uint32(fmtChunk[4:8])
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if skip := int64(size) - 16; skip > 0 {
				if _, err := io.CopyN(io.Discard, r, skip+int64(size%2)); err != nil {
					break scan
				}
			}
		case "data":
			dataSize = size
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size%2)); err != nil {
				break scan
			}
			continue
		}

		if sampleRate != 0 && dataSize != 0 {
			break
		}
		if id == "data" {
			// data payload not consumed; stop rather than seek through it.
			break
		}
	}

	if sampleRate == 0 {
		return engine.AudioInfo{}, errors.New("missing fmt chunk")
	}

	info := engine.AudioInfo{SampleRate: int(sampleRate)}
	if byteRate > 0 && dataSize > 0 {
		seconds := float64(dataSize) / float64(byteRate)
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	return info, nil
}
