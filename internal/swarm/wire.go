package swarm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Control messages travel as JSON text frames on the data channel; segment
// bodies follow a piece message as binary chunk frames.
const (
	msgBitfield = "bitfield"
	msgHave     = "have"
	msgRequest  = "request"
	msgAbsent   = "absent"
	msgPiece    = "piece"

	chunkSize = 16 << 10
)

var (
	ErrCorruptSegment = errors.New("segment digest mismatch")
	errBadFrame       = errors.New("malformed chunk frame")
)

type control struct {
	Type     string   `json:"type"`
	Segment  string   `json:"segment,omitempty"`
	Segments []string `json:"segments,omitempty"`
	Size     int      `json:"size,omitempty"`
	Digest   string   `json:"digest,omitempty"`
}

func encodeControl(c control) ([]byte, error) {
	return json.Marshal(c)
}

func decodeControl(b []byte) (control, error) {
	var c control
	if err := json.Unmarshal(b, &c); err != nil {
		return control{}, fmt.Errorf("decode control message: %w", err)
	}
	if c.Type == "" {
		return control{}, errors.New("control message without type")
	}
	return c, nil
}

// pieceHeader describes data before its chunks are sent.
func pieceHeader(segmentID string, data []byte) control {
	sum := sha256.Sum256(data)
	return control{
		Type:    msgPiece,
		Segment: segmentID,
		Size:    len(data),
		Digest:  hex.EncodeToString(sum[:]),
	}
}

// chunkFrames splits data into frames laid out as
// [2-byte id length][id][4-byte chunk index][payload].
func chunkFrames(segmentID string, data []byte) [][]byte {
	var frames [][]byte
	for index := uint32(0); ; index++ {
		off := int(index) * chunkSize
		end := min(off+chunkSize, len(data))
		frame := make([]byte, 0, 2+len(segmentID)+4+end-off)
		frame = binary.BigEndian.AppendUint16(frame, uint16(len(segmentID)))
		frame = append(frame, segmentID...)
		frame = binary.BigEndian.AppendUint32(frame, index)
		frame = append(frame, data[off:end]...)
		frames = append(frames, frame)
		if end == len(data) {
			return frames
		}
	}
}

func decodeChunk(frame []byte) (segmentID string, index uint32, payload []byte, err error) {
	if len(frame) < 2 {
		return "", 0, nil, errBadFrame
	}
	n := int(binary.BigEndian.Uint16(frame))
	if len(frame) < 2+n+4 {
		return "", 0, nil, errBadFrame
	}
	segmentID = string(frame[2 : 2+n])
	index = binary.BigEndian.Uint32(frame[2+n:])
	return segmentID, index, frame[2+n+4:], nil
}

// assembly collects the chunks of one announced piece.
type assembly struct {
	digest   string
	buf      []byte
	received map[uint32]bool
	filled   int
}

func newAssembly(header control) (*assembly, error) {
	if header.Size < 0 || header.Size > maxSegmentBytes {
		return nil, ErrSegmentTooLarge
	}
	return &assembly{
		digest:   header.Digest,
		buf:      make([]byte, header.Size),
		received: make(map[uint32]bool),
	}, nil
}

// add stores a chunk and reports whether the piece is complete and verified.
func (a *assembly) add(index uint32, payload []byte) (bool, error) {
	off := int(index) * chunkSize
	if off > len(a.buf) || off+len(payload) > len(a.buf) || len(payload) > chunkSize {
		return false, errBadFrame
	}
	if !a.received[index] {
		a.received[index] = true
		a.filled += copy(a.buf[off:], payload)
	}
	if a.filled < len(a.buf) {
		return false, nil
	}
	sum := sha256.Sum256(a.buf)
	if hex.EncodeToString(sum[:]) != a.digest {
		return true, ErrCorruptSegment
	}
	return true, nil
}
