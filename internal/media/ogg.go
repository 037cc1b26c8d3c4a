package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
)

const (
	opusSampleRate = 48000
	waveformLength = 64
	maxVoiceSecs   = 300
	oggHeaderLen   = 27
)

var ErrNotOgg = errors.New("not a valid Ogg file (missing OggS signature)")

// VoiceNote is what WhatsApp needs to render a PTT message.
type VoiceNote struct {
	Seconds  uint32
	Waveform []byte
	// Estimated is set when no granule position was found.
	Estimated bool
}

// AnalyzeOggOpus walks the Ogg pages of data and derives the playback length
// from the last granule position. The result is clamped to 1..300 seconds.
func AnalyzeOggOpus(data []byte) (VoiceNote, error) {
	if len(data) < 4 || string(data[:4]) != "OggS" {
		return VoiceNote{}, ErrNotOgg
	}

	var (
		lastGranule uint64
		sampleRate  uint32 = opusSampleRate
		preSkip     uint16
		foundHead   bool
	)

	for i := 0; i < len(data); {
		if i+oggHeaderLen >= len(data) {
			break
		}
		if string(data[i:i+4]) != "OggS" {
			i++
			continue
		}

		granule := binary.LittleEndian.Uint64(data[i+6 : i+14])
		seq := binary.LittleEndian.Uint32(data[i+18 : i+22])
		segments := int(data[i+26])
		if i+oggHeaderLen+segments >= len(data) {
			break
		}

		pageSize := oggHeaderLen + segments
		for _, l := range data[i+oggHeaderLen : i+oggHeaderLen+segments] {
			pageSize += int(l)
		}
		end := min(i+pageSize, len(data))

		// OpusHead: magic(8) version(1) channels(1) pre-skip(2) rate(4)
		if !foundHead && seq <= 1 {
			page := data[i:end]
			if pos := bytes.Index(page, []byte("OpusHead")); pos >= 0 && pos+16 <= len(page) {
				preSkip = binary.LittleEndian.Uint16(page[pos+10 : pos+12])
				if r := binary.LittleEndian.Uint32(page[pos+12 : pos+16]); r > 0 {
					sampleRate = r
				}
				foundHead = true
			}
		}

		if granule != 0 && granule != math.MaxUint64 {
			lastGranule = granule
		}
		i += pageSize
	}

	note := VoiceNote{}
	if lastGranule > uint64(preSkip) {
		secs := float64(lastGranule-uint64(preSkip)) / float64(sampleRate)
		note.Seconds = uint32(math.Ceil(secs))
	} else {
		note.Seconds = uint32(float64(len(data)) / 2000.0)
		note.Estimated = true
	}
	note.Seconds = max(1, min(note.Seconds, maxVoiceSecs))
	note.Waveform = Waveform(note.Seconds)
	return note, nil
}

// Waveform synthesises a 64-sample waveform (values 0..100). The output is
// deterministic for a given duration.
func Waveform(seconds uint32) []byte {
	rng := rand.New(rand.NewPCG(uint64(seconds), 0x9e3779b97f4a7c15))
	out := make([]byte, waveformLength)

	const amp = 35.0
	freq := float64(min(seconds, 120)) / 30.0

	for i := range out {
		pos := float64(i) / waveformLength
		v := amp * math.Sin(pos*math.Pi*freq*8)
		v += (amp / 2) * math.Sin(pos*math.Pi*freq*16)
		v += (rng.Float64() - 0.5) * 15
		v *= 0.7 + 0.3*math.Sin(pos*math.Pi)
		v += 50
		out[i] = byte(max(0, min(v, 100)))
	}
	return out
}
