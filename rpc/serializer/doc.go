// Package serializer converts common.Message values to bytes and back. The
// client and the server must use the same implementation.
//
// Implementations:
//
//   - binarySerializerImpl: compact custom format. A 3 byte header holds the
//     message type and a bit set of the present fields. Strings are length
//     prefixed, integers are varints and booleans live in the flags only,
//     so a plain "ok" response is 3 bytes. Recommended for production use.
//
//   - jsonSerializerImpl: encoding/json, human readable and handy when
//     talking to the HTTP transport with curl.
//
//   - gobSerializerImpl: encoding/gob, mostly useful as a reference in the
//     benchmarks.
//
// All serializers are stateless and safe for concurrent use.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*common.NewIsLockedRequest(ns, "order-17"))
//	// ... send data ...
//	var resp common.Message
//	err = s.Deserialize(received, &resp)
package serializer
