package protocol

import (
	"encoding/json"
	"strconv"
)

var crlf = []byte("\r\n")

// Encoder appends frames in wire form. MaxPayload is the server-advertised limit
// applied to PUB and MSG payloads; zero disables the check.
type Encoder struct {
	MaxPayload int64
}

// Encode returns the wire form of f without a payload limit.
func Encode(f Frame) ([]byte, error) {
	return Encoder{}.Append(nil, f)
}

// Append appends the wire form of f to dst. On error dst is returned unchanged.
func (e Encoder) Append(dst []byte, f Frame) ([]byte, error) {
	if f == nil {
		return dst, ErrNilFrame
	}
	switch v := f.(type) {
	case *Info:
		return appendJSON(dst, "INFO ", v.Server)
	case *Connect:
		return appendJSON(dst, "CONNECT ", v.Options)
	case *Pub:
		if err := CheckSubject(v.Subject); err != nil {
			return dst, err
		}
		if err := CheckReply(v.Reply); err != nil {
			return dst, err
		}
		if err := CheckPayload(len(v.Payload), e.MaxPayload); err != nil {
			return dst, err
		}
		dst = append(dst, "PUB "...)
		dst = append(dst, v.Subject...)
		if v.Reply != "" {
			dst = append(dst, ' ')
			dst = append(dst, v.Reply...)
		}
		return appendPayload(dst, v.Payload), nil
	case *Sub:
		if err := CheckSubject(v.Subject); err != nil {
			return dst, err
		}
		if err := CheckQueue(v.Queue); err != nil {
			return dst, err
		}
		if err := checkToken("sid", v.SID); err != nil {
			return dst, err
		}
		dst = append(dst, "SUB "...)
		dst = append(dst, v.Subject...)
		if v.Queue != "" {
			dst = append(dst, ' ')
			dst = append(dst, v.Queue...)
		}
		dst = append(dst, ' ')
		dst = append(dst, v.SID...)
		return append(dst, crlf...), nil
	case *Unsub:
		if err := checkToken("sid", v.SID); err != nil {
			return dst, err
		}
		dst = append(dst, "UNSUB "...)
		dst = append(dst, v.SID...)
		if v.Max > 0 {
			dst = append(dst, ' ')
			dst = strconv.AppendInt(dst, int64(v.Max), 10)
		}
		return append(dst, crlf...), nil
	case *Msg:
		if err := CheckSubject(v.Subject); err != nil {
			return dst, err
		}
		if err := checkToken("sid", v.SID); err != nil {
			return dst, err
		}
		if err := CheckReply(v.Reply); err != nil {
			return dst, err
		}
		if err := CheckPayload(len(v.Payload), e.MaxPayload); err != nil {
			return dst, err
		}
		dst = append(dst, "MSG "...)
		dst = append(dst, v.Subject...)
		dst = append(dst, ' ')
		dst = append(dst, v.SID...)
		if v.Reply != "" {
			dst = append(dst, ' ')
			dst = append(dst, v.Reply...)
		}
		return appendPayload(dst, v.Payload), nil
	case *Ping:
		return append(dst, "PING\r\n"...), nil
	case *Pong:
		return append(dst, "PONG\r\n"...), nil
	case *OK:
		return append(dst, "+OK\r\n"...), nil
	case *Err:
		dst = append(dst, "-ERR '"...)
		dst = append(dst, v.Reason...)
		return append(dst, "'\r\n"...), nil
	default:
		return dst, ErrUnknownOp
	}
}

func appendPayload(dst []byte, payload []byte) []byte {
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	return append(dst, crlf...)
}

func appendJSON(dst []byte, prefix string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return dst, err
	}
	dst = append(dst, prefix...)
	dst = append(dst, body...)
	return append(dst, crlf...), nil
}
