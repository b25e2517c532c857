// Package audio computes compact waveform summaries for audio content
// items. Decoding uses the pure-Go pion/opus decoder, so Opus voice clips
// can be summarized without CGO.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// ErrNoAudio indicates that no decodable audio was supplied.
var ErrNoAudio = errors.New("no audio data")

// maxFrameSamples is the decode buffer size per Opus frame: 120 ms at
// 48 kHz, the largest frame the codec allows.
const maxFrameSamples = 5760

// SummarizeOpus decodes a sequence of Opus frames and reduces the PCM
// stream to a fixed number of amplitude buckets, one byte each, scaled so
// the loudest bucket is 255. Frames that fail to decode are skipped; at
// least one frame must decode.
func SummarizeOpus(frames [][]byte, buckets int) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoAudio
	}

	decoder := opus.NewDecoder()
	out := make([]byte, maxFrameSamples*2)

	var pcm []int16
	decoded := 0
	for i, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		_, isStereo, err := decoder.Decode(frame, out)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SummarizeOpus",
				"frame":    i,
				"error":    err.Error(),
			}).Warn("Skipping undecodable audio frame")
			continue
		}
		decoded++

		samples := len(out) / 2
		step := 1
		if isStereo {
			step = 2
		}
		for s := 0; s < samples; s += step {
			pcm = append(pcm, int16(binary.LittleEndian.Uint16(out[s*2:])))
		}
	}

	if decoded == 0 {
		return nil, fmt.Errorf("%w: no frame decoded", ErrNoAudio)
	}
	return SummarizePCM(pcm, buckets), nil
}

// SummarizePCM reduces raw PCM samples to bucketed peak amplitudes,
// normalized so the loudest bucket is 255. The result is the payload of an
// audio-summary content item.
func SummarizePCM(pcm []int16, buckets int) []byte {
	if buckets <= 0 || len(pcm) == 0 {
		return nil
	}
	if buckets > len(pcm) {
		buckets = len(pcm)
	}

	peaks := make([]int32, buckets)
	per := len(pcm) / buckets
	for b := 0; b < buckets; b++ {
		start := b * per
		end := start + per
		if b == buckets-1 {
			end = len(pcm)
		}
		var peak int32
		for _, s := range pcm[start:end] {
			v := int32(s)
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		peaks[b] = peak
	}

	var max int32
	for _, p := range peaks {
		if p > max {
			max = p
		}
	}

	summary := make([]byte, buckets)
	if max == 0 {
		return summary
	}
	for i, p := range peaks {
		summary[i] = byte(p * 255 / max)
	}
	return summary
}
