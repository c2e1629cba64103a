package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// MaxControlLine bounds one header line, excluding any payload.
	MaxControlLine = 4096
	// DefaultMaxPayload bounds declared payload sizes accepted by Decode.
	DefaultMaxPayload int64 = 64 * 1024 * 1024
)

// Decode parses one frame from the front of buf. It returns (nil, 0, nil) when buf
// does not yet hold a complete frame. Payloads are copied; the returned frame never
// aliases buf.
func Decode(buf []byte) (Frame, int, error) {
	return decode(buf, DefaultMaxPayload)
}

// Decoder is an incremental decoder fed by successive transport reads.
type Decoder struct {
	buf        []byte
	off        int
	maxPayload int64
}

// NewDecoder returns a decoder that rejects declared payloads above maxPayload.
// maxPayload <= 0 selects DefaultMaxPayload.
func NewDecoder(maxPayload int64) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	if d.off > 0 && d.off >= cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more input is needed.
// A non-nil error leaves the decoder unusable for the current connection.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := decode(d.buf[d.off:], d.maxPayload)
	if err != nil {
		return nil, err
	}
	d.off += n
	return f, nil
}

// Buffered reports how many undecoded bytes are held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

func decode(buf []byte, maxPayload int64) (Frame, int, error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		if len(buf) > MaxControlLine {
			return nil, 0, protocolErr(ErrControlLineTooLong, buf)
		}
		return nil, 0, nil
	}
	if nl > MaxControlLine {
		return nil, 0, protocolErr(ErrControlLineTooLong, buf[:nl])
	}
	line := bytes.TrimSuffix(buf[:nl], []byte{'\r'})
	next := nl + 1
	op, rest := splitOp(line)

	switch {
	case eqFold(op, "MSG"):
		args := bytes.Fields(rest)
		if len(args) != 3 && len(args) != 4 {
			return nil, 0, protocolErr(ErrMalformed, line)
		}
		size, err := parseSize(args[len(args)-1], maxPayload, line)
		if err != nil {
			return nil, 0, err
		}
		payload, consumed, err := readPayload(buf, next, size, line)
		if err != nil || consumed == 0 {
			return nil, 0, err
		}
		m := &Msg{Subject: string(args[0]), SID: string(args[1]), Payload: payload}
		if len(args) == 4 {
			m.Reply = string(args[2])
		}
		return m, consumed, nil
	case eqFold(op, "PUB"):
		args := bytes.Fields(rest)
		if len(args) != 2 && len(args) != 3 {
			return nil, 0, protocolErr(ErrMalformed, line)
		}
		size, err := parseSize(args[len(args)-1], maxPayload, line)
		if err != nil {
			return nil, 0, err
		}
		payload, consumed, err := readPayload(buf, next, size, line)
		if err != nil || consumed == 0 {
			return nil, 0, err
		}
		p := &Pub{Subject: string(args[0]), Payload: payload}
		if len(args) == 3 {
			p.Reply = string(args[1])
		}
		return p, consumed, nil
	case eqFold(op, "PING"):
		return &Ping{}, next, nil
	case eqFold(op, "PONG"):
		return &Pong{}, next, nil
	case eqFold(op, "+OK"):
		return &OK{}, next, nil
	case eqFold(op, "-ERR"):
		reason := string(bytes.TrimSpace(rest))
		if len(reason) >= 2 && reason[0] == '\'' && reason[len(reason)-1] == '\'' {
			reason = reason[1 : len(reason)-1]
		}
		return &Err{Reason: reason}, next, nil
	case eqFold(op, "SUB"):
		args := bytes.Fields(rest)
		s := &Sub{}
		switch len(args) {
		case 2:
			s.Subject, s.SID = string(args[0]), string(args[1])
		case 3:
			s.Subject, s.Queue, s.SID = string(args[0]), string(args[1]), string(args[2])
		default:
			return nil, 0, protocolErr(ErrMalformed, line)
		}
		return s, next, nil
	case eqFold(op, "UNSUB"):
		args := bytes.Fields(rest)
		u := &Unsub{}
		switch len(args) {
		case 1:
			u.SID = string(args[0])
		case 2:
			u.SID = string(args[0])
			max, err := strconv.Atoi(string(args[1]))
			if err != nil || max < 0 {
				return nil, 0, protocolErr(ErrMalformed, line)
			}
			u.Max = max
		default:
			return nil, 0, protocolErr(ErrMalformed, line)
		}
		return u, next, nil
	case eqFold(op, "INFO"):
		info := &Info{}
		if err := json.Unmarshal(bytes.TrimSpace(rest), &info.Server); err != nil {
			return nil, 0, protocolErr(fmt.Errorf("%w: info json: %v", ErrMalformed, err), line)
		}
		return info, next, nil
	case eqFold(op, "CONNECT"):
		c := &Connect{}
		if err := json.Unmarshal(bytes.TrimSpace(rest), &c.Options); err != nil {
			return nil, 0, protocolErr(fmt.Errorf("%w: connect json: %v", ErrMalformed, err), line)
		}
		return c, next, nil
	default:
		return nil, 0, protocolErr(ErrUnknownOp, line)
	}
}

func splitOp(line []byte) ([]byte, []byte) {
	i := bytes.IndexAny(line, " \t")
	if i < 0 {
		return line, nil
	}
	return line[:i], line[i+1:]
}

func eqFold(op []byte, name string) bool {
	return len(op) == len(name) && bytes.EqualFold(op, []byte(name))
}

func parseSize(raw []byte, maxPayload int64, line []byte) (int, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, protocolErr(ErrMalformed, line)
	}
	if maxPayload > 0 && n > maxPayload {
		return 0, protocolErr(ErrPayloadTooLarge, line)
	}
	return int(n), nil
}

// readPayload returns consumed == 0 when the payload has not fully arrived.
func readPayload(buf []byte, start, size int, line []byte) ([]byte, int, error) {
	end := start + size
	if len(buf) < end+2 {
		return nil, 0, nil
	}
	if buf[end] != '\r' || buf[end+1] != '\n' {
		return nil, 0, protocolErr(fmt.Errorf("%w: payload not terminated by CRLF", ErrMalformed), line)
	}
	if size == 0 {
		return nil, end + 2, nil
	}
	payload := make([]byte, size)
	copy(payload, buf[start:end])
	return payload, end + 2, nil
}
