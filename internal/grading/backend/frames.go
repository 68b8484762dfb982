package backend

import (
	"encoding/binary"
	"strings"

	apperrors "reforge/pkg/errors"
)

// Stream types in the multiplexed container log format.
const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

const frameHeaderLen = 8

// demuxFrames splits a multiplexed container log stream into stdout and
// stderr. Each frame is an 8-byte header (stream-type byte, three reserved
// bytes, big-endian payload length) followed by the payload. A stream that
// ends mid-header or mid-payload is a defined error, not silently truncated
// output.
func demuxFrames(raw []byte) (stdout, stderr string, err error) {
	var outBuf, errBuf strings.Builder
	offset := 0
	for offset < len(raw) {
		if offset+frameHeaderLen > len(raw) {
			return "", "", apperrors.Newf(apperrors.TruncatedStream,
				"stream ends mid-header at offset %d of %d", offset, len(raw))
		}
		streamType := raw[offset]
		size := int(binary.BigEndian.Uint32(raw[offset+4 : offset+frameHeaderLen]))
		offset += frameHeaderLen

		if offset+size > len(raw) {
			return "", "", apperrors.Newf(apperrors.TruncatedStream,
				"frame payload of %d bytes exceeds remaining %d", size, len(raw)-offset)
		}
		payload := raw[offset : offset+size]
		offset += size

		switch streamType {
		case streamStdout:
			outBuf.Write(payload)
		case streamStderr:
			errBuf.Write(payload)
		case streamStdin:
			// not expected from a non-interactive unit; skip
		default:
			return "", "", apperrors.Newf(apperrors.MalformedFrame,
				"unknown stream type %d", streamType)
		}
	}
	return strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), nil
}
