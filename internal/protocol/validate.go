package protocol

import (
	"fmt"
	"strings"
)

const whitespace = " \t\r\n"

// CheckSubject rejects empty subjects and subjects containing whitespace.
func CheckSubject(subject string) error {
	return checkToken("subject", subject)
}

// CheckQueue validates an optional queue group name.
func CheckQueue(queue string) error {
	if queue == "" {
		return nil
	}
	return checkToken("queue group", queue)
}

// CheckReply validates an optional reply subject.
func CheckReply(reply string) error {
	if reply == "" {
		return nil
	}
	return checkToken("reply subject", reply)
}

// CheckPayload enforces the server-advertised max payload. max <= 0 disables the check.
func CheckPayload(size int, max int64) error {
	if max > 0 && int64(size) > max {
		return fmt.Errorf("%w: %d bytes exceeds max_payload %d", ErrPayloadTooLarge, size, max)
	}
	return nil
}

func checkToken(kind, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidArgument, kind)
	}
	if strings.ContainsAny(v, whitespace) {
		return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidArgument, kind, v)
	}
	return nil
}
