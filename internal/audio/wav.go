package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// HeaderSize is the size of the canonical PCM WAV header.
const HeaderSize = 44

// WireFormat is the format of every chunk sent for translation and the format
// assumed for headerless synthesized speech.
var WireFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

var (
	// ErrNoHeader means the payload does not start with a RIFF/WAVE header.
	ErrNoHeader = errors.New("wav: missing RIFF/WAVE header")
	// ErrMalformed means a RIFF/WAVE header is present but unusable.
	ErrMalformed = errors.New("wav: malformed header")
)

// Format describes linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

func (f Format) ByteRate() int { return f.SampleRate * f.BlockAlign() }

// Duration is the play time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	br := f.ByteRate()
	if br <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(br))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Header builds the 44-byte PCM header for dataLen bytes of f.
func Header(f Format, dataLen int) []byte {
	h := make([]byte, HeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// EncodeWAV converts mono float samples at WireFormat's rate into a complete
// 16-bit WAV file.
func EncodeWAV(samples []float32) []byte {
	pcm := Int16Bytes(ToInt16(samples))
	return append(Header(WireFormat, len(pcm)), pcm...)
}

// ParseWAV validates a RIFF/WAVE file and returns its format and sample data.
// Chunks other than fmt and data are skipped. Only 16-bit PCM is accepted.
func ParseWAV(b []byte) (Format, []byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Format{}, nil, ErrNoHeader
	}
	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrMalformed)
			}
			if tag := binary.LittleEndian.Uint16(b[body:]); tag != 1 {
				return Format{}, nil, fmt.Errorf("%w: format tag %d", ErrMalformed, tag)
			}
			f = Format{
				Channels:      int(binary.LittleEndian.Uint16(b[body+2:])),
				SampleRate:    int(binary.LittleEndian.Uint32(b[body+4:])),
				BitsPerSample: int(binary.LittleEndian.Uint16(b[body+14:])),
			}
			if f.Channels < 1 || f.SampleRate < 1 || f.BitsPerSample != 16 {
				return Format{}, nil, fmt.Errorf("%w: unsupported %s", ErrMalformed, f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrMalformed)
			}
			end := body + size
			// Streamed files often carry a placeholder length.
			if size == 0 || end > len(b) || end < body {
				end = len(b)
			}
			data := b[body:end]
			data = data[:len(data)-len(data)%f.BlockAlign()]
			return f, data, nil
		}
		pos = body + size + size%2
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrMalformed)
}

// Normalize returns playable PCM for payload. A payload without a RIFF/WAVE
// header is taken as raw WireFormat samples; one whose header is present but
// unusable has its first HeaderSize bytes replaced by a WireFormat header. The
// synthesized result reports true.
func Normalize(payload []byte) (Format, []byte, bool, error) {
	if len(payload) < HeaderSize {
		return Format{}, nil, false, fmt.Errorf("%w: %d bytes", ErrMalformed, len(payload))
	}
	f, data, err := ParseWAV(payload)
	switch {
	case err == nil:
		return f, data, false, nil
	case errors.Is(err, ErrNoHeader):
		data = payload
	default:
		data = payload[HeaderSize:]
	}
	data = data[:len(data)-len(data)%WireFormat.BlockAlign()]
	return WireFormat, data, true, nil
}
