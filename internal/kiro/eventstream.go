package kiro

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

// The upstream responds with application/vnd.amazon.eventstream: a sequence
// of binary messages, each framed as
//
//	[4B total length][4B header length][4B prelude CRC32]
//	[headers][payload][4B message CRC32]
//
// Headers are (1B name length, name, 1B value type, value) tuples; this
// decoder only needs type 7 (string) values such as :event-type.

const (
	preludeLen     = 12
	maxMessageSize = 16 << 20
)

// EventHeaderTypeString is the wire type tag for string header values.
const eventHeaderTypeString = 7

// Event is one decoded eventstream message.
type Event struct {
	Type    string // value of the :event-type or :exception-type header
	Payload []byte
}

// EventStreamDecoder reads eventstream messages off a response body.
type EventStreamDecoder struct {
	r io.Reader
}

func NewEventStreamDecoder(r io.Reader) *EventStreamDecoder {
	return &EventStreamDecoder{r: r}
}

// Next returns the next message, or io.EOF at a clean end of stream.
func (d *EventStreamDecoder) Next() (*Event, error) {
	prelude := make([]byte, preludeLen)
	if _, err := io.ReadFull(d.r, prelude); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("eventstream: truncated prelude: %w", err)
		}
		return nil, err
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[:8]) != preludeCRC {
		return nil, fmt.Errorf("eventstream: prelude checksum mismatch")
	}
	if totalLen > maxMessageSize || totalLen < preludeLen+4 || headerLen > totalLen-preludeLen-4 {
		return nil, fmt.Errorf("eventstream: invalid frame lengths total=%d header=%d", totalLen, headerLen)
	}

	rest := make([]byte, totalLen-preludeLen)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, fmt.Errorf("eventstream: truncated message: %w", err)
	}

	msgCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	full := append(prelude, rest[:len(rest)-4]...)
	if crc32.ChecksumIEEE(full) != msgCRC {
		return nil, fmt.Errorf("eventstream: message checksum mismatch")
	}

	headers, err := parseEventHeaders(rest[:headerLen])
	if err != nil {
		return nil, err
	}

	event := &Event{Payload: rest[headerLen : len(rest)-4]}
	if t, ok := headers[":event-type"]; ok {
		event.Type = t
	} else if t, ok := headers[":exception-type"]; ok {
		event.Type = t
	}
	return event, nil
}

func parseEventHeaders(b []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(b) > 0 {
		nameLen := int(b[0])
		if len(b) < 1+nameLen+1 {
			return nil, fmt.Errorf("eventstream: truncated header name")
		}
		name := string(b[1 : 1+nameLen])
		valueType := b[1+nameLen]
		b = b[1+nameLen+1:]

		switch valueType {
		case eventHeaderTypeString:
			if len(b) < 2 {
				return nil, fmt.Errorf("eventstream: truncated header value length")
			}
			valueLen := int(binary.BigEndian.Uint16(b[:2]))
			if len(b) < 2+valueLen {
				return nil, fmt.Errorf("eventstream: truncated header value")
			}
			headers[name] = string(b[2 : 2+valueLen])
			b = b[2+valueLen:]
		case 0, 1: // bool true / false, no value bytes
		case 2: // byte
			if len(b) < 1 {
				return nil, fmt.Errorf("eventstream: truncated byte header")
			}
			b = b[1:]
		case 3: // int16
			if len(b) < 2 {
				return nil, fmt.Errorf("eventstream: truncated int16 header")
			}
			b = b[2:]
		case 4: // int32
			if len(b) < 4 {
				return nil, fmt.Errorf("eventstream: truncated int32 header")
			}
			b = b[4:]
		case 5, 8: // int64 / timestamp
			if len(b) < 8 {
				return nil, fmt.Errorf("eventstream: truncated int64 header")
			}
			b = b[8:]
		case 6: // byte array
			if len(b) < 2 {
				return nil, fmt.Errorf("eventstream: truncated bytes header")
			}
			valueLen := int(binary.BigEndian.Uint16(b[:2]))
			if len(b) < 2+valueLen {
				return nil, fmt.Errorf("eventstream: truncated bytes header")
			}
			b = b[2+valueLen:]
		case 9: // uuid
			if len(b) < 16 {
				return nil, fmt.Errorf("eventstream: truncated uuid header")
			}
			b = b[16:]
		default:
			return nil, fmt.Errorf("eventstream: unknown header value type %d", valueType)
		}
	}
	return headers, nil
}

// EncodeEventMessage frames a payload for tests and the health probe fake.
func EncodeEventMessage(eventType string, payload []byte) []byte {
	header := encodeStringHeader(":event-type", eventType)
	header = append(header, encodeStringHeader(":content-type", "application/json")...)
	header = append(header, encodeStringHeader(":message-type", "event")...)

	totalLen := preludeLen + len(header) + len(payload) + 4
	msg := make([]byte, 0, totalLen)

	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(header)))
	msg = append(msg, prelude...)
	msg = binary.BigEndian.AppendUint32(msg, crc32.ChecksumIEEE(prelude))
	msg = append(msg, header...)
	msg = append(msg, payload...)
	msg = binary.BigEndian.AppendUint32(msg, crc32.ChecksumIEEE(msg))
	return msg
}

func encodeStringHeader(name, value string) []byte {
	b := make([]byte, 0, 1+len(name)+3+len(value))
	b = append(b, byte(len(name)))
	b = append(b, name...)
	b = append(b, eventHeaderTypeString)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	b = append(b, value...)
	return b
}

// DecodeAssistantEvent unmarshals an assistantResponseEvent payload.
func DecodeAssistantEvent(payload []byte) (*AssistantResponseEvent, error) {
	var ev AssistantResponseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeToolUseEvent unmarshals a toolUseEvent payload.
func DecodeToolUseEvent(payload []byte) (*ToolUseEvent, error) {
	var ev ToolUseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
