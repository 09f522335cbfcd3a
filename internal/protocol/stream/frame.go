package stream

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sealchat/internal/domain"
)

// Kind tags a frame.
type Kind string

const (
	KindMeta  Kind = "meta"
	KindChunk Kind = "chunk"
	KindDone  Kind = "done"
	KindAck   Kind = "ack"
)

// Frame is one channel message. Meta is only set on meta frames, Data only
// on chunk frames.
type Frame struct {
	Kind Kind             `cbor:"k"`
	Meta *domain.FileMeta `cbor:"m,omitempty"`
	Data []byte           `cbor:"d,omitempty"`
}

// frameOverhead bounds the encoding cost of a chunk frame beyond its data.
const frameOverhead = 32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode serialises f.
func Encode(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// Decode parses a frame. Unknown kinds are rejected.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: bad frame: %v", domain.ErrChannelFailure, err)
	}
	switch f.Kind {
	case KindMeta:
		if f.Meta == nil {
			return Frame{}, fmt.Errorf("%w: meta frame without meta", domain.ErrChannelFailure)
		}
	case KindChunk, KindDone, KindAck:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %q", domain.ErrChannelFailure, f.Kind)
	}
	return f, nil
}
