package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SlinSampleRate is the sample rate of AudioSocket signed linear audio.
const SlinSampleRate = 8000

// ErrInvalidWAV is returned when data is not a mono 16-bit PCM WAV container.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// wavHeader is the canonical 44 byte RIFF/WAVE header for PCM data
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes a decoded WAV container
type WAVInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	DataSize      int           `json:"data_size_bytes"`
	Duration      time.Duration `json:"duration"`
}

// EncodePCM wraps little-endian 16-bit mono PCM into a WAV container
func EncodePCM(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	dataSize := uint32(len(pcm))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV returns the raw PCM payload and format of a WAV container.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, WAVInfo, error) {
	var info WAVInfo
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, info, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt bool
		pcm     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Streaming encoders leave the data size unset; take what is there.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, info, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			chunk := data[body:end]
			if format := binary.LittleEndian.Uint16(chunk[0:2]); format != 1 {
				return nil, info, fmt.Errorf("%w: unsupported audio format %d", ErrInvalidWAV, format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		off = end + size%2
		if pcm != nil {
			break
		}
	}

	if !haveFmt {
		return nil, info, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	if pcm == nil {
		return nil, info, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}
	if info.BitsPerSample != 16 {
		return nil, info, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, info.BitsPerSample)
	}
	if info.Channels != 1 {
		return nil, info, fmt.Errorf("%w: unsupported channel count %d", ErrInvalidWAV, info.Channels)
	}
	if info.SampleRate <= 0 {
		return nil, info, fmt.Errorf("%w: invalid sample rate %d", ErrInvalidWAV, info.SampleRate)
	}

	info.DataSize = len(pcm)
	info.Duration = PCMDuration(len(pcm), info.SampleRate)
	return pcm, info, nil
}

// ValidateWAV checks the container without copying the payload
func ValidateWAV(data []byte) (WAVInfo, error) {
	_, info, err := DecodeWAV(data)
	return info, err
}

// PCMDuration returns the playing time of n bytes of 16-bit mono PCM
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
