// Package wire implements the multipart message layout exchanged
// between peers inside one encrypted transport frame.
//
// A message is a part list: a big-endian u32 part count, then each part
// as a big-endian u32 length followed by that many bytes. Two message
// kinds ride on top of the part list:
//
//   - data records: part 0 is the topic (title bytes plus a trailing
//     0x00), part 1 is the send timestamp as 8 little-endian bytes of
//     microseconds, parts 2.. are the payload parts;
//   - control records: a single part, 0x01+topic to subscribe or
//     0x00+topic to unsubscribe. Topic matching is prefix matching.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	partCountLen = 4
	partLenLen   = 4
	tOutLen      = 8

	ctlSubscribe   byte = 0x01
	ctlUnsubscribe byte = 0x00
)

var (
	ErrTruncated    = errors.New("wire: truncated message")
	ErrTooManyParts = errors.New("wire: too many parts")
	ErrPartTooLarge = errors.New("wire: part too large")
	ErrBadRecord    = errors.New("wire: malformed data record")
	ErrBadControl   = errors.New("wire: malformed control record")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxParts       int
	MaxPartBytes   int
	MaxRecordParts int
}

func DefaultLimits() Limits {
	return Limits{
		MaxParts:       256,
		MaxPartBytes:   16 * 1024 * 1024,
		MaxRecordParts: 254,
	}
}

// Record is one decoded data record.
type Record struct {
	Title string
	TOut  int64
	Parts [][]byte
}

// Topic returns the wire topic for a title: the UTF-8 bytes of the
// title terminated by 0x00. The terminator keeps "ab" from prefix
// matching "abc".
func Topic(title string) []byte {
	t := make([]byte, 0, len(title)+1)
	t = append(t, title...)
	return append(t, 0x00)
}

// TitleOfTopic recovers the title from a wire topic.
func TitleOfTopic(topic []byte) (string, bool) {
	if len(topic) < 1 || topic[len(topic)-1] != 0x00 {
		return "", false
	}
	return string(topic[:len(topic)-1]), true
}

// EncodeParts serializes a part list.
func EncodeParts(parts [][]byte) []byte {
	n := partCountLen
	for _, p := range parts {
		n += partLenLen + len(p)
	}
	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(parts)))
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// DecodeParts parses a part list, copying every part out of buf.
func DecodeParts(buf []byte, limits Limits) ([][]byte, error) {
	if len(buf) < partCountLen {
		return nil, ErrTruncated
	}
	count := int(binary.BigEndian.Uint32(buf[:partCountLen]))
	if count > limits.MaxParts {
		return nil, ErrTooManyParts
	}
	parts := make([][]byte, 0, count)
	i := partCountLen
	for n := 0; n < count; n++ {
		if len(buf)-i < partLenLen {
			return nil, ErrTruncated
		}
		l := int(binary.BigEndian.Uint32(buf[i : i+partLenLen]))
		i += partLenLen
		if l > limits.MaxPartBytes {
			return nil, ErrPartTooLarge
		}
		if len(buf)-i < l {
			return nil, ErrTruncated
		}
		p := make([]byte, l)
		copy(p, buf[i:i+l])
		i += l
		parts = append(parts, p)
	}
	if i != len(buf) {
		return nil, ErrTruncated
	}
	return parts, nil
}

// EncodeData serializes a data record for one topic.
func EncodeData(title string, tOut int64, parts [][]byte) []byte {
	msg := make([][]byte, 0, 2+len(parts))
	msg = append(msg, Topic(title))
	tb := make([]byte, tOutLen)
	binary.LittleEndian.PutUint64(tb, uint64(tOut))
	msg = append(msg, tb)
	msg = append(msg, parts...)
	return EncodeParts(msg)
}

// DecodeData parses a data record. Anything that does not carry a
// terminated topic and an 8-byte timestamp is rejected.
func DecodeData(buf []byte, limits Limits) (Record, error) {
	parts, err := DecodeParts(buf, limits)
	if err != nil {
		return Record{}, err
	}
	if len(parts) < 2 {
		return Record{}, ErrBadRecord
	}
	if len(parts)-2 > limits.MaxRecordParts {
		return Record{}, ErrTooManyParts
	}
	title, ok := TitleOfTopic(parts[0])
	if !ok {
		return Record{}, ErrBadRecord
	}
	if len(parts[1]) != tOutLen {
		return Record{}, ErrBadRecord
	}
	return Record{
		Title: title,
		TOut:  int64(binary.LittleEndian.Uint64(parts[1])),
		Parts: parts[2:],
	}, nil
}

// EncodeSubscribe serializes a subscribe control record for a topic.
func EncodeSubscribe(topic []byte) []byte {
	return encodeControl(ctlSubscribe, topic)
}

// EncodeUnsubscribe serializes an unsubscribe control record.
func EncodeUnsubscribe(topic []byte) []byte {
	return encodeControl(ctlUnsubscribe, topic)
}

func encodeControl(op byte, topic []byte) []byte {
	body := make([]byte, 0, 1+len(topic))
	body = append(body, op)
	body = append(body, topic...)
	return EncodeParts([][]byte{body})
}

// DecodeControl parses a control record, returning the topic and
// whether it subscribes (true) or unsubscribes (false).
func DecodeControl(buf []byte, limits Limits) ([]byte, bool, error) {
	parts, err := DecodeParts(buf, limits)
	if err != nil {
		return nil, false, err
	}
	if len(parts) != 1 || len(parts[0]) < 1 {
		return nil, false, ErrBadControl
	}
	op := parts[0][0]
	if op != ctlSubscribe && op != ctlUnsubscribe {
		return nil, false, ErrBadControl
	}
	return parts[0][1:], op == ctlSubscribe, nil
}
