package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dGrid/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte message type, 2 byte field flags (big endian), followed by
// the present fields in flag order. Strings are prefixed with their uvarint
// length, integers are zig-zag varints, booleans are only encoded as flags.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasService uint16 = 1 << iota
	hasObject
	hasKey
	hasOwner
	hasThreadID
	hasTTL
	hasTimeout
	hasConditionID
	isAll
	isOk
	hasCount
	hasErr
	hasErrCode
	hasTicket
)

const headerSize = 3

var errShortBuffer = errors.New("data too short")

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := make([]byte, headerSize, b.sizeBytes(msg))
	buf[0] = byte(msg.MsgType)

	var flags uint16
	appendString := func(flag uint16, s string) {
		if s != "" {
			flags |= flag
			buf = binary.AppendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
		}
	}
	appendInt := func(flag uint16, v int64) {
		if v != 0 {
			flags |= flag
			buf = binary.AppendVarint(buf, v)
		}
	}

	appendString(hasService, msg.Service)
	appendString(hasObject, msg.Object)
	appendString(hasKey, msg.Key)
	appendString(hasOwner, msg.Owner)
	appendInt(hasThreadID, msg.ThreadID)
	appendInt(hasTTL, msg.TTL)
	appendInt(hasTimeout, msg.Timeout)
	appendString(hasConditionID, msg.ConditionID)
	appendInt(hasTicket, int64(msg.Ticket))
	if msg.All {
		flags |= isAll
	}
	if msg.Ok {
		flags |= isOk
	}
	appendInt(hasCount, msg.Count)
	appendString(hasErr, msg.Err)
	if msg.ErrCode != 0 {
		flags |= hasErrCode
		buf = append(buf, msg.ErrCode)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(buf[1:headerSize], flags)
	return buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w for message header", errShortBuffer)
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:headerSize])
	r := binaryReader{data: data, pos: headerSize}

	readString := func(flag uint16, name string, dst *string) {
		if flags&flag != 0 {
			*dst = r.string(name)
		}
	}
	readInt := func(flag uint16, name string, dst *int64) {
		if flags&flag != 0 {
			*dst = r.varint(name)
		}
	}

	readString(hasService, "service", &msg.Service)
	readString(hasObject, "object", &msg.Object)
	readString(hasKey, "key", &msg.Key)
	readString(hasOwner, "owner", &msg.Owner)
	readInt(hasThreadID, "thread id", &msg.ThreadID)
	readInt(hasTTL, "ttl", &msg.TTL)
	readInt(hasTimeout, "timeout", &msg.Timeout)
	readString(hasConditionID, "condition id", &msg.ConditionID)
	if flags&hasTicket != 0 {
		msg.Ticket = uint64(r.varint("ticket"))
	}
	msg.All = flags&isAll != 0
	msg.Ok = flags&isOk != 0
	readInt(hasCount, "count", &msg.Count)
	readString(hasErr, "error", &msg.Err)
	if flags&hasErrCode != 0 {
		msg.ErrCode = r.byte("error code")
	}

	if r.err != nil {
		return r.err
	}
	if r.pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// binaryReader reads fields from data and keeps the first error
type binaryReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binaryReader) fail(name string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w for %s", errShortBuffer, name)
	}
}

func (r *binaryReader) varint(name string) int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		r.fail(name)
		return 0
	}
	r.pos += n
	return v
}

func (r *binaryReader) string(name string) string {
	if r.err != nil {
		return ""
	}
	l, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 || l > uint64(len(r.data)-r.pos-n) {
		r.fail(name)
		return ""
	}
	r.pos += n
	s := string(r.data[r.pos : r.pos+int(l)])
	r.pos += int(l)
	return s
}

func (r *binaryReader) byte(name string) uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.fail(name)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

// sizeBytes calculates an upper bound of the serialized size
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize
	for _, s := range []string{msg.Service, msg.Object, msg.Key, msg.Owner, msg.ConditionID, msg.Err} {
		if s != "" {
			size += binary.MaxVarintLen64 + len(s)
		}
	}
	for _, v := range []int64{msg.ThreadID, msg.TTL, msg.Timeout, int64(msg.Ticket), msg.Count} {
		if v != 0 {
			size += binary.MaxVarintLen64
		}
	}
	if msg.ErrCode != 0 {
		size++
	}
	return size
}
