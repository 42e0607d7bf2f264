package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// EncodeFrame wraps a chunk as [uint32 LE len(id)][id][chunk]. The chunk is
// copied, so callers may reuse their buffer.
func EncodeFrame(transferID string, chunk []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(transferID)+len(chunk))
	binary.LittleEndian.PutUint32(frame, uint32(len(transferID)))
	n := copy(frame[frameHeaderSize:], transferID)
	copy(frame[frameHeaderSize+n:], chunk)
	return frame
}

// DecodeFrame splits a frame produced by EncodeFrame. The returned chunk
// aliases frame.
func DecodeFrame(frame []byte) (string, []byte, error) {
	if len(frame) < frameHeaderSize {
		return "", nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(frame))
	}

	idLen := binary.LittleEndian.Uint32(frame)
	if uint64(idLen) > uint64(len(frame)-frameHeaderSize) {
		return "", nil, fmt.Errorf("%w: id length %d exceeds frame of %d bytes", ErrMalformedFrame, idLen, len(frame))
	}

	idBytes := frame[frameHeaderSize : frameHeaderSize+int(idLen)]
	if !utf8.Valid(idBytes) {
		return "", nil, fmt.Errorf("%w: transfer id is not valid UTF-8", ErrMalformedFrame)
	}

	return string(idBytes), frame[frameHeaderSize+int(idLen):], nil
}
