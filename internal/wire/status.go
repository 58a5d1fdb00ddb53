package wire

import (
	"errors"
	"fmt"
)

// Status is the return-code enum every response frame leads with.
type Status int32

const (
	StatusFinish       Status = 0
	StatusTaskAccepted Status = 1
	StatusKeyNotFound  Status = 2
	StatusInvalidReq   Status = 3
	StatusSystemError  Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusFinish:
		return "FINISH"
	case StatusTaskAccepted:
		return "TASK_ACCEPTED"
	case StatusKeyNotFound:
		return "KEY_NOT_FOUND"
	case StatusInvalidReq:
		return "INVALID_REQ"
	case StatusSystemError:
		return "SYSTEM_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// ErrInvalidRequest marks a bad magic or unknown opcode — a transport-level
// error: session.Conn.ReadRequest returns it and the server closes the
// connection.
var ErrInvalidRequest = errors.New("invalid request")

// ErrTruncated marks a decode failure from a short or malformed buffer.
var ErrTruncated = errors.New("truncated or malformed body")
