package transport

import (
	"bytes"
	"testing"
)

func TestSegmentSingleFrameWhenSmall(t *testing.T) {
	t.Parallel()

	frames := segment([]byte("hello"), 1024)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0][0] != TagFinal {
		t.Fatalf("tag = %q, want TagFinal", frames[0][0])
	}
	if !bytes.Equal(frames[0][1:], []byte("hello")) {
		t.Fatalf("payload = %q", frames[0][1:])
	}
}

func TestSegmentEmptyPayloadYieldsOneFinalFrame(t *testing.T) {
	t.Parallel()

	frames := segment(nil, 1024)
	if len(frames) != 1 || frames[0][0] != TagFinal || len(frames[0]) != 1 {
		t.Fatalf("got %v, want single empty-payload TagFinal frame", frames)
	}
}

func TestSegmentSplitsAtBoundary(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("x"), 25)
	frames := segment(payload, 10)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames[:len(frames)-1] {
		if f[0] != TagSegment {
			t.Fatalf("frame %d tag = %q, want TagSegment", i, f[0])
		}
	}
	last := frames[len(frames)-1]
	if last[0] != TagFinal {
		t.Fatalf("last frame tag = %q, want TagFinal", last[0])
	}

	var rebuilt []byte
	for _, f := range frames {
		rebuilt = append(rebuilt, f[1:]...)
	}
	if !bytes.Equal(rebuilt, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestReassemblerRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	frames := segment(payload, 37) // an awkward size to force many segments
	if len(frames) < 2 {
		t.Fatal("expected multiple segments for this test to be meaningful")
	}

	var r reassembler
	var got []byte
	for _, f := range frames {
		msg, done := r.feed(f[0], f[1:])
		if done {
			got = msg
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled message does not match original payload")
	}
}

func TestReassemblerSingleFinalWithEmptyBuffer(t *testing.T) {
	t.Parallel()

	var r reassembler
	msg, done := r.feed(TagFinal, []byte("solo"))
	if !done || string(msg) != "solo" {
		t.Fatalf("feed() = (%q, %v), want (solo, true)", msg, done)
	}
}

func TestSegmentBoundaryCounts(t *testing.T) {
	t.Parallel()

	// exactly maxSegmentSize bytes -> exactly one segment.
	exact := bytes.Repeat([]byte("y"), 10)
	if frames := segment(exact, 10); len(frames) != 1 {
		t.Fatalf("got %d frames for exact-size payload, want 1", len(frames))
	}

	// one byte over -> at least two segments.
	over := bytes.Repeat([]byte("y"), 11)
	if frames := segment(over, 10); len(frames) < 2 {
		t.Fatalf("got %d frames for over-size payload, want >= 2", len(frames))
	}
}
