// Package audioconv normalizes compressed voice-message audio into the mono
// 16 kHz float32 PCM form the offline recognizer expects. Telegram voice
// notes arrive as ogg/opus; wav, mp3 and ogg/vorbis are handled for audio
// files forwarded into the chat.
package audioconv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

const targetRate = 16000

// ToPCM16k decodes data into mono 16 kHz float32 samples. formatHint is a
// file extension or container name ("ogg", "mp3", ...); when it is missing
// or wrong the container magic is sniffed instead.
func ToPCM16k(data []byte, formatHint string) ([]float32, error) {
	if len(data) == 0 {
		return nil, errors.New("empty audio payload")
	}

	switch normalizeHint(data, formatHint) {
	case "wav":
		return decodeWAV(data)
	case "mp3":
		return decodeMP3(data)
	case "ogg":
		// Telegram voice notes are Opus in an Ogg container; forwarded
		// files may be Vorbis. Try Vorbis first, then Opus.
		if pcm, err := decodeOggVorbis(data); err == nil {
			return pcm, nil
		}
		pcm, err := decodeOggOpus(data)
		if err != nil {
			return nil, fmt.Errorf("ogg container is neither vorbis nor opus: %w", err)
		}
		return pcm, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", formatHint)
	}
}

func normalizeHint(data []byte, hint string) string {
	hint = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hint)), ".")
	switch hint {
	case "wav", "wave":
		return "wav"
	case "mp3", "mpeg":
		return "mp3"
	case "ogg", "oga", "opus", "voice":
		return "ogg"
	}
	if len(data) >= 4 {
		switch string(data[:4]) {
		case "RIFF":
			return "wav"
		case "OggS":
			return "ogg"
		}
	}
	if hint == "" {
		return "mp3" // last resort: mp3 frames have no fixed magic
	}
	return hint
}

func decodeWAV(data []byte) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if pb == nil || pb.Data == nil {
		return nil, errors.New("empty wav")
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch, sr := 1, 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	if ch > 1 {
		x = downmixInterleaved(x, ch)
	}
	return resampleLinear(x, sr, targetRate), nil
}

func decodeMP3(data []byte) ([]float32, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return nil, err
	}
	x := int16SliceToFloat32(ints)
	x = downmixInterleaved(x, 2) // go-mp3 always outputs stereo

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	return resampleLinear(x, sr, targetRate), nil
}

func decodeOggVorbis(data []byte) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("invalid ogg/vorbis stream")
	}
	x := pcm
	if format.Channels > 1 {
		x = downmixInterleaved(pcm, format.Channels)
	}
	return resampleLinear(x, format.SampleRate, targetRate), nil
}

func decodeOggOpus(data []byte) ([]float32, error) {
	dec, err := popus.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	var (
		pcm48 []float32
		buf   = make([]int16, 48_000*ch/2) // ~0.5s per read
	)
	for {
		n, err := dec.Read(buf) // n = samples per channel
		if n > 0 {
			pcm48 = append(pcm48, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(pcm48) == 0 {
		return nil, errors.New("empty opus stream")
	}

	if ch > 1 {
		pcm48 = downmixInterleaved(pcm48, ch)
	}
	return resampleLinear(pcm48, 48000, targetRate), nil
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

func resampleLinear(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 {
		return in
	}
	ratio := float64(outSR) / float64(inSR)
	outN := int(math.Ceil(float64(len(in)) * ratio))
	out := make([]float32, outN)
	for i := 0; i < outN; i++ {
		src := float64(i) / ratio
		i0 := int(math.Floor(src))
		i1 := i0 + 1
		if i0 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		if i1 >= len(in) {
			out[i] = in[i0]
			continue
		}
		a := float32(src - float64(i0))
		out[i] = in[i0]*(1-a) + in[i1]*a
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
