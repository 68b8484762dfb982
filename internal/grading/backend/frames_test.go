package backend

import (
	"encoding/binary"
	"testing"

	apperrors "reforge/pkg/errors"
)

func frame(streamType byte, payload string) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = streamType
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func TestDemuxFrames(t *testing.T) {
	t.Parallel()
	raw := append(frame(1, "hello "), frame(2, "warning\n")...)
	raw = append(raw, frame(1, "world")...)

	stdout, stderr, err := demuxFrames(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "hello world" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
	if stderr != "warning" {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestDemuxFramesEmpty(t *testing.T) {
	t.Parallel()
	stdout, stderr, err := demuxFrames(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "" || stderr != "" {
		t.Fatalf("expected empty output, got %q / %q", stdout, stderr)
	}
}

func TestDemuxFramesTruncated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []byte
		code apperrors.ErrorCode
	}{
		{name: "mid header", raw: []byte{1, 0, 0}, code: apperrors.TruncatedStream},
		{name: "mid payload", raw: frame(1, "full")[:10], code: apperrors.TruncatedStream},
		{name: "unknown stream type", raw: frame(7, "x"), code: apperrors.MalformedFrame},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := demuxFrames(tt.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if apperrors.GetCode(err) != tt.code {
				t.Fatalf("expected code %d, got %v", tt.code, err)
			}
		})
	}
}
