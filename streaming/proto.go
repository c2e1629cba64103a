package streaming

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadEnvelope reports a control or data envelope that does not decode.
var ErrBadEnvelope = errors.New("streaming: malformed envelope")

// StartPosition selects where a new subscription begins in the channel.
type StartPosition int32

const (
	StartNewOnly StartPosition = iota
	StartLastReceived
	StartTimeDelta
	StartSequence
	StartFirst
)

func (p StartPosition) String() string {
	switch p {
	case StartNewOnly:
		return "new_only"
	case StartLastReceived:
		return "last_received"
	case StartTimeDelta:
		return "time_delta"
	case StartSequence:
		return "sequence"
	case StartFirst:
		return "first"
	default:
		return fmt.Sprintf("start(%d)", int32(p))
	}
}

// The envelope types below mirror the streaming server's protobuf schema.
// Field numbers are part of the wire contract.

type ConnectRequest struct {
	ClientID       string // 1
	HeartbeatInbox string // 2
	Protocol       int32  // 3
	ConnID         []byte // 4
}

type ConnectResponse struct {
	PubPrefix        string // 1
	SubRequests      string // 2
	UnsubRequests    string // 3
	CloseRequests    string // 4
	Error            string // 5
	SubCloseRequests string // 6
	PingRequests     string // 7
	Protocol         int32  // 10
}

type PubMsg struct {
	ClientID string // 1
	GUID     string // 2
	Subject  string // 3
	Reply    string // 4
	Data     []byte // 5
	ConnID   []byte // 6
	Sequence uint64 // 7
}

type PubAck struct {
	GUID     string // 1
	Error    string // 2
	Sequence uint64 // 3
}

type MsgProto struct {
	Sequence        uint64 // 1
	Subject         string // 2
	Reply           string // 3
	Data            []byte // 4
	Timestamp       int64  // 5
	Redelivered     bool   // 6
	RedeliveryCount uint32 // 7
}

type Ack struct {
	Subject  string // 1
	Sequence uint64 // 2
}

type SubscriptionRequest struct {
	ClientID       string        // 1
	Subject        string        // 2
	QGroup         string        // 3
	Inbox          string        // 4
	MaxInFlight    int32         // 5
	AckWaitInSecs  int32         // 6
	DurableName    string        // 7
	StartPosition  StartPosition // 10
	StartSequence  uint64        // 11
	StartTimeDelta int64         // 12
}

type SubscriptionResponse struct {
	AckInbox string // 2
	Error    string // 3
}

type UnsubscribeRequest struct {
	ClientID    string // 1
	Subject     string // 2
	Inbox       string // 3
	DurableName string // 4
}

type CloseRequest struct {
	ClientID string // 1
}

type CloseResponse struct {
	Error string // 1
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUvarint(b, num, 1)
}

// fieldFunc handles one decoded field. It returns the bytes consumed or a
// negative protowire error code; 0 means the field was not recognised.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func decodeFields(kind string, b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s tag: %v", ErrBadEnvelope, kind, protowire.ParseError(n))
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %s field %d: %v", ErrBadEnvelope, kind, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = int32(v)
	}
	return n
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) int {
	var v uint64
	n := consumeVarint(typ, b, &v)
	if n > 0 {
		*dst = int64(v)
	}
	return n
}

func (m *ConnectRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientID)
	b = appendString(b, 2, m.HeartbeatInbox)
	b = appendUvarint(b, 3, uint64(m.Protocol))
	b = appendBytes(b, 4, m.ConnID)
	return b
}

func (m *ConnectRequest) Unmarshal(b []byte) error {
	*m = ConnectRequest{}
	return decodeFields("ConnectRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ClientID)
		case 2:
			return consumeString(typ, b, &m.HeartbeatInbox)
		case 3:
			return consumeInt32(typ, b, &m.Protocol)
		case 4:
			return consumeBytes(typ, b, &m.ConnID)
		}
		return 0
	})
}

func (m *ConnectResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PubPrefix)
	b = appendString(b, 2, m.SubRequests)
	b = appendString(b, 3, m.UnsubRequests)
	b = appendString(b, 4, m.CloseRequests)
	b = appendString(b, 5, m.Error)
	b = appendString(b, 6, m.SubCloseRequests)
	b = appendString(b, 7, m.PingRequests)
	b = appendUvarint(b, 10, uint64(m.Protocol))
	return b
}

func (m *ConnectResponse) Unmarshal(b []byte) error {
	*m = ConnectResponse{}
	return decodeFields("ConnectResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.PubPrefix)
		case 2:
			return consumeString(typ, b, &m.SubRequests)
		case 3:
			return consumeString(typ, b, &m.UnsubRequests)
		case 4:
			return consumeString(typ, b, &m.CloseRequests)
		case 5:
			return consumeString(typ, b, &m.Error)
		case 6:
			return consumeString(typ, b, &m.SubCloseRequests)
		case 7:
			return consumeString(typ, b, &m.PingRequests)
		case 10:
			return consumeInt32(typ, b, &m.Protocol)
		}
		return 0
	})
}

func (m *PubMsg) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientID)
	b = appendString(b, 2, m.GUID)
	b = appendString(b, 3, m.Subject)
	b = appendString(b, 4, m.Reply)
	b = appendBytes(b, 5, m.Data)
	b = appendBytes(b, 6, m.ConnID)
	b = appendUvarint(b, 7, m.Sequence)
	return b
}

func (m *PubMsg) Unmarshal(b []byte) error {
	*m = PubMsg{}
	return decodeFields("PubMsg", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ClientID)
		case 2:
			return consumeString(typ, b, &m.GUID)
		case 3:
			return consumeString(typ, b, &m.Subject)
		case 4:
			return consumeString(typ, b, &m.Reply)
		case 5:
			return consumeBytes(typ, b, &m.Data)
		case 6:
			return consumeBytes(typ, b, &m.ConnID)
		case 7:
			return consumeVarint(typ, b, &m.Sequence)
		}
		return 0
	})
}

func (m *PubAck) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.GUID)
	b = appendString(b, 2, m.Error)
	b = appendUvarint(b, 3, m.Sequence)
	return b
}

func (m *PubAck) Unmarshal(b []byte) error {
	*m = PubAck{}
	return decodeFields("PubAck", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.GUID)
		case 2:
			return consumeString(typ, b, &m.Error)
		case 3:
			return consumeVarint(typ, b, &m.Sequence)
		}
		return 0
	})
}

func (m *MsgProto) Marshal() []byte {
	var b []byte
	b = appendUvarint(b, 1, m.Sequence)
	b = appendString(b, 2, m.Subject)
	b = appendString(b, 3, m.Reply)
	b = appendBytes(b, 4, m.Data)
	b = appendUvarint(b, 5, uint64(m.Timestamp))
	b = appendBool(b, 6, m.Redelivered)
	b = appendUvarint(b, 7, uint64(m.RedeliveryCount))
	return b
}

func (m *MsgProto) Unmarshal(b []byte) error {
	*m = MsgProto{}
	return decodeFields("MsgProto", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.Sequence)
		case 2:
			return consumeString(typ, b, &m.Subject)
		case 3:
			return consumeString(typ, b, &m.Reply)
		case 4:
			return consumeBytes(typ, b, &m.Data)
		case 5:
			return consumeInt64(typ, b, &m.Timestamp)
		case 6:
			n := consumeVarint(typ, b, &v)
			m.Redelivered = v != 0
			return n
		case 7:
			n := consumeVarint(typ, b, &v)
			m.RedeliveryCount = uint32(v)
			return n
		}
		return 0
	})
}

func (m *Ack) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Subject)
	b = appendUvarint(b, 2, m.Sequence)
	return b
}

func (m *Ack) Unmarshal(b []byte) error {
	*m = Ack{}
	return decodeFields("Ack", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Subject)
		case 2:
			return consumeVarint(typ, b, &m.Sequence)
		}
		return 0
	})
}

func (m *SubscriptionRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientID)
	b = appendString(b, 2, m.Subject)
	b = appendString(b, 3, m.QGroup)
	b = appendString(b, 4, m.Inbox)
	b = appendUvarint(b, 5, uint64(m.MaxInFlight))
	b = appendUvarint(b, 6, uint64(m.AckWaitInSecs))
	b = appendString(b, 7, m.DurableName)
	b = appendUvarint(b, 10, uint64(m.StartPosition))
	b = appendUvarint(b, 11, m.StartSequence)
	b = appendUvarint(b, 12, uint64(m.StartTimeDelta))
	return b
}

func (m *SubscriptionRequest) Unmarshal(b []byte) error {
	*m = SubscriptionRequest{}
	return decodeFields("SubscriptionRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ClientID)
		case 2:
			return consumeString(typ, b, &m.Subject)
		case 3:
			return consumeString(typ, b, &m.QGroup)
		case 4:
			return consumeString(typ, b, &m.Inbox)
		case 5:
			return consumeInt32(typ, b, &m.MaxInFlight)
		case 6:
			return consumeInt32(typ, b, &m.AckWaitInSecs)
		case 7:
			return consumeString(typ, b, &m.DurableName)
		case 10:
			var v int32
			n := consumeInt32(typ, b, &v)
			m.StartPosition = StartPosition(v)
			return n
		case 11:
			return consumeVarint(typ, b, &m.StartSequence)
		case 12:
			return consumeInt64(typ, b, &m.StartTimeDelta)
		}
		return 0
	})
}

func (m *SubscriptionResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 2, m.AckInbox)
	b = appendString(b, 3, m.Error)
	return b
}

func (m *SubscriptionResponse) Unmarshal(b []byte) error {
	*m = SubscriptionResponse{}
	return decodeFields("SubscriptionResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 2:
			return consumeString(typ, b, &m.AckInbox)
		case 3:
			return consumeString(typ, b, &m.Error)
		}
		return 0
	})
}

func (m *UnsubscribeRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientID)
	b = appendString(b, 2, m.Subject)
	b = appendString(b, 3, m.Inbox)
	b = appendString(b, 4, m.DurableName)
	return b
}

func (m *UnsubscribeRequest) Unmarshal(b []byte) error {
	*m = UnsubscribeRequest{}
	return decodeFields("UnsubscribeRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ClientID)
		case 2:
			return consumeString(typ, b, &m.Subject)
		case 3:
			return consumeString(typ, b, &m.Inbox)
		case 4:
			return consumeString(typ, b, &m.DurableName)
		}
		return 0
	})
}

func (m *CloseRequest) Marshal() []byte {
	return appendString(nil, 1, m.ClientID)
}

func (m *CloseRequest) Unmarshal(b []byte) error {
	*m = CloseRequest{}
	return decodeFields("CloseRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &m.ClientID)
		}
		return 0
	})
}

func (m *CloseResponse) Marshal() []byte {
	return appendString(nil, 1, m.Error)
}

func (m *CloseResponse) Unmarshal(b []byte) error {
	*m = CloseResponse{}
	return decodeFields("CloseResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &m.Error)
		}
		return 0
	})
}
