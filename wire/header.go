// Package wire implements the fixed-format messages exchanged between a
// Host and its Clients, and the rules for attaching a file descriptor to a
// message via SCM_RIGHTS. It is the only bit-exact format this module
// defines; every integer is little-endian.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a valid header; it is the ASCII bytes "VSL1".
const Magic uint32 = 0x31_4c_53_56 // "VSL1" little-endian when written as uint32

// Kind identifies the message type carried by a Header.
type Kind uint16

const (
	// KindHello is sent host -> client on accept; Flags' high byte
	// carries the protocol version.
	KindHello Kind = iota + 1
	// KindHelloAck is sent client -> host in reply, carrying the
	// client's last-seen serial so the host knows what to skip.
	KindHelloAck
	// KindAnnounce is sent host -> client for each posted frame; carries
	// an fd via SCM_RIGHTS and a 16-byte payload of stride/size/offset.
	KindAnnounce
	// KindExpire is sent host -> client when a frame's expiry fires.
	KindExpire
	// KindDrop is sent host -> client when Host.Drop is called.
	KindDrop
	// KindUnlock is sent client -> host when a delivered frame is
	// released.
	KindUnlock
	// KindBye is a graceful shutdown signal, sent by either side.
	KindBye
)

// FlagFDAttached is bit 0 of Header.Flags: set when the message carries an
// ancillary file descriptor.
const FlagFDAttached uint16 = 1 << 0

// HeaderSize is the fixed wire size of a Header, in bytes.
const HeaderSize = 64

// Header is the fixed 64-byte message header preceding any payload.
type Header struct {
	Magic     uint32
	Kind      Kind
	Flags     uint16
	Serial    uint64
	Timestamp int64
	Expires   int64
	Duration  int64
	PTS       int64
	DTS       int64
	FourCC    uint32
	Width     uint16
	Height    uint16
}

// AnnouncePayload is the 16-byte payload following an ANNOUNCE header.
type AnnouncePayload struct {
	Stride   uint32
	Size     uint32
	Offset   uint32
	Reserved uint32
}

// Encode serializes h into a HeaderSize-byte buffer.
func Encode(h Header) []byte {
	h.Magic = Magic
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Kind))
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.Serial)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Timestamp))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Expires))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Duration))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.PTS))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.DTS))
	binary.LittleEndian.PutUint32(buf[56:60], h.FourCC)
	binary.LittleEndian.PutUint16(buf[60:62], h.Width)
	binary.LittleEndian.PutUint16(buf[62:64], h.Height)
	return buf
}

// Decode parses a HeaderSize-byte buffer into a Header, returning an error
// if the magic does not match or buf is too short.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: decode: short header (%d bytes)", len(buf))
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("wire: decode: bad magic 0x%08x", h.Magic)
	}
	h.Kind = Kind(binary.LittleEndian.Uint16(buf[4:6]))
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.Serial = binary.LittleEndian.Uint64(buf[8:16])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.Expires = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.Duration = int64(binary.LittleEndian.Uint64(buf[32:40]))
	h.PTS = int64(binary.LittleEndian.Uint64(buf[40:48]))
	h.DTS = int64(binary.LittleEndian.Uint64(buf[48:56]))
	h.FourCC = binary.LittleEndian.Uint32(buf[56:60])
	h.Width = binary.LittleEndian.Uint16(buf[60:62])
	h.Height = binary.LittleEndian.Uint16(buf[62:64])
	return h, nil
}

// EncodeAnnouncePayload serializes p into a 16-byte buffer.
func EncodeAnnouncePayload(p AnnouncePayload) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], p.Stride)
	binary.LittleEndian.PutUint32(buf[4:8], p.Size)
	binary.LittleEndian.PutUint32(buf[8:12], p.Offset)
	binary.LittleEndian.PutUint32(buf[12:16], p.Reserved)
	return buf
}

// DecodeAnnouncePayload parses a 16-byte ANNOUNCE payload.
func DecodeAnnouncePayload(buf []byte) (AnnouncePayload, error) {
	if len(buf) < 16 {
		return AnnouncePayload{}, fmt.Errorf("wire: decode payload: short payload (%d bytes)", len(buf))
	}
	return AnnouncePayload{
		Stride:   binary.LittleEndian.Uint32(buf[0:4]),
		Size:     binary.LittleEndian.Uint32(buf[4:8]),
		Offset:   binary.LittleEndian.Uint32(buf[8:12]),
		Reserved: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// String renders k as its message name, for logging.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindHelloAck:
		return "HELLO_ACK"
	case KindAnnounce:
		return "ANNOUNCE"
	case KindExpire:
		return "EXPIRE"
	case KindDrop:
		return "DROP"
	case KindUnlock:
		return "UNLOCK"
	case KindBye:
		return "BYE"
	default:
		return fmt.Sprintf("KIND(%d)", uint16(k))
	}
}

// magicBytes is Magic rendered as the four ASCII bytes "VSL1", kept only
// to document the encoding above and checked by init below.
var magicBytes = []byte("VSL1")

func init() {
	if !bytes.Equal(Encode(Header{Kind: KindBye})[0:4], magicBytes) {
		panic("wire: magic constant does not match \"VSL1\"")
	}
}
