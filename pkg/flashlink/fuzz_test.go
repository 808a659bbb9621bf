// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var requestTypes = []uint8{MsgReadRequest, MsgWriteRequest, MsgWriteFinish, MsgPingRequest}

// randomFrame builds a well-formed request with random field values
func randomFrame(rng *rand.Rand) *Frame {
	tag := uint16(rng.Intn(1 << 16))
	switch requestTypes[rng.Intn(len(requestTypes))] {
	case MsgReadRequest:
		return NewReadRequest(tag, rng.Uint32(), uint32(rng.Intn(MaxChunkSize)+1))
	case MsgWriteRequest:
		data := make([]byte, rng.Intn(MaxChunkSize)+1)
		rng.Read(data)
		return NewWriteRequest(tag, rng.Uint32(), data)
	case MsgWriteFinish:
		digest := make([]byte, 16)
		rng.Read(digest)
		return NewWriteFinish(tag, rng.Uint32(), rng.Uint32(), digest)
	default:
		return NewPingRequest(tag)
	}
}

func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		length := rng.Intn(512) + 1
		data := make([]byte, length)
		rng.Read(data)

		// Should not panic
		for _, b := range data {
			d.DecodeByte(b)
		}
	}
}

// TestFuzzDecoder_RandomFrames encodes random requests and checks they
// survive the trip through the decoder unchanged
func TestFuzzDecoder_RandomFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		f := randomFrame(rng)
		encoded, err := f.Encode()
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}

		frames, errs := NewDecoder().Decode(encoded)
		if len(errs) != 0 || len(frames) != 1 {
			t.Errorf("Round %d: frames=%d errs=%v", i, len(frames), errs)
			continue
		}
		got := frames[0]
		if got.Tag() != f.Tag() || got.Type() != f.Type() {
			t.Errorf("Round %d: got tag=%d type=0x%02X, want tag=%d type=0x%02X", i, got.Tag(), got.Type(), f.Tag(), f.Type())
		}
		if errs := ValidateFrame(got); len(errs) != 0 {
			t.Errorf("Round %d: decoded frame failed validation: %v", i, errs)
		}
		if want, ok := GetMapBytes(f.PayloadMap(), 1); ok {
			if data, _ := GetMapBytes(got.PayloadMap(), 1); !bytes.Equal(data, want) {
				t.Errorf("Round %d: data mismatch", i)
			}
		}
	}
}

// TestFuzzDecoder_CorruptedFrames flips random bytes inside valid frames
func TestFuzzDecoder_CorruptedFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		encoded, err := randomFrame(rng).Encode()
		if err != nil {
			t.Fatalf("Round %d: encode failed: %v", i, err)
		}

		corruptIdx := rng.Intn(len(encoded)-2) + 1 // Skip START and END
		encoded[corruptIdx] ^= byte(rng.Intn(255) + 1)

		// A corrupted frame may be dropped but must never panic
		frames, _ := NewDecoder().Decode(encoded)
		for _, f := range frames {
			ValidateFrame(f)
			FormatFrame(f)
		}
	}
}

// TestFuzzDecoder_RepeatedStart tests handling of repeated START bytes
func TestFuzzDecoder_RepeatedStart(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	encoded, err := NewPingRequest(0x0102).Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		numStarts := rng.Intn(100) + 1
		for j := 0; j < numStarts; j++ {
			d.DecodeByte(StartByte)
		}

		frames, errs := d.Decode(encoded)
		if len(errs) != 0 || len(frames) != 1 {
			t.Errorf("Round %d: expected one frame after repeated START, got frames=%d errs=%v", i, len(frames), errs)
		}
	}
}

// TestFuzzStuffing_RoundTrip checks stuffing is reversible for arbitrary data
func TestFuzzStuffing_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(256))
		rng.Read(data)

		stuffed := stuffBytes(data)
		if bytes.IndexByte(stuffed, StartByte) >= 0 || bytes.IndexByte(stuffed, EndByte) >= 0 {
			t.Fatalf("Round %d: stuffed data contains a framing byte", i)
		}
		unstuffed, err := UnstuffBytes(stuffed)
		if err != nil || !bytes.Equal(unstuffed, data) {
			t.Fatalf("Round %d: roundtrip failed: %v", i, err)
		}
	}
}
