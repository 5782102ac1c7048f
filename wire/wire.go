package wire

import (
	"encoding/binary"
	"io"

	"github.com/perch-labs/perch/version"
)

/*
Input is a cursor over the payload bytes of a single transport message. All integers are big-endian and byte
blobs and strings are length prefixed with a 32 bit length. Reads that run off the end of the payload return
io.EOF - callers that decode optional trailing fields rely on that to distinguish "absent" from "corrupt".

An Input carries the wire version the message was encoded with, as taken from the message header by the
dispatch layer. Codecs consult it to decode version dependent fields.
*/
type Input struct {
	buff []byte
	pos  int
	ver  version.Version
}

func NewInput(buff []byte, ver version.Version) *Input {
	return &Input{buff: buff, ver: ver}
}

// Version returns the wire version the message carried by this input was encoded with.
func (i *Input) Version() version.Version {
	return i.ver
}

// Available returns the number of unread bytes remaining.
func (i *Input) Available() int {
	return len(i.buff) - i.pos
}

func (i *Input) ReadUint32() (uint32, error) {
	if i.Available() < 4 {
		return 0, io.EOF
	}
	v := binary.BigEndian.Uint32(i.buff[i.pos:])
	i.pos += 4
	return v, nil
}

func (i *Input) ReadUint64() (uint64, error) {
	if i.Available() < 8 {
		return 0, io.EOF
	}
	v := binary.BigEndian.Uint64(i.buff[i.pos:])
	i.pos += 8
	return v, nil
}

// ReadBytesReference reads a length prefixed byte blob. The returned slice aliases the underlying buffer - copy
// it if it needs to outlive the read loop's buffer reuse.
func (i *Input) ReadBytesReference() ([]byte, error) {
	length, err := i.ReadUint32()
	if err != nil {
		return nil, err
	}
	if i.Available() < int(length) {
		return nil, io.EOF
	}
	blob := i.buff[i.pos : i.pos+int(length)]
	i.pos += int(length)
	return blob, nil
}

func (i *Input) ReadString() (string, error) {
	blob, err := i.ReadBytesReference()
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (i *Input) ReadVersion() (version.Version, error) {
	id, err := i.ReadUint32()
	if err != nil {
		return version.Version{}, err
	}
	return version.FromID(int32(id)), nil
}

// SubInput opens a bounded input over a blob previously read from this input, preserving the stream's wire
// version.
func (i *Input) SubInput(blob []byte) *Input {
	return NewInput(blob, i.ver)
}

// Output accumulates the wire encoding of a message payload, mirroring Input.
type Output struct {
	buff []byte
}

func NewOutput(initialCapacity int) *Output {
	return &Output{buff: make([]byte, 0, initialCapacity)}
}

func (o *Output) WriteUint32(v uint32) {
	o.buff = binary.BigEndian.AppendUint32(o.buff, v)
}

func (o *Output) WriteUint64(v uint64) {
	o.buff = binary.BigEndian.AppendUint64(o.buff, v)
}

func (o *Output) WriteBytesReference(blob []byte) {
	o.buff = binary.BigEndian.AppendUint32(o.buff, uint32(len(blob)))
	o.buff = append(o.buff, blob...)
}

func (o *Output) WriteString(s string) {
	o.buff = binary.BigEndian.AppendUint32(o.buff, uint32(len(s)))
	o.buff = append(o.buff, s...)
}

func (o *Output) WriteVersion(v version.Version) {
	o.buff = version.AppendVersion(o.buff, v)
}

// Bytes returns the accumulated encoding. The slice aliases the output's internal buffer.
func (o *Output) Bytes() []byte {
	return o.buff
}
