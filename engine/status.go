package engine

import (
	"fmt"

	"github.com/wippyai/wasm-tcpip/errors"
)

// Status is an lwIP err_t returned by engine calls.
type Status int32

const (
	StatusOK         Status = 0
	StatusMem        Status = -1
	StatusBuf        Status = -2
	StatusTimeout    Status = -3
	StatusRoute      Status = -4
	StatusInProgress Status = -5
	StatusValue      Status = -6
	StatusWouldBlock Status = -7
	StatusInUse      Status = -8
	StatusAlready    Status = -9
	StatusIsConn     Status = -10
	StatusConn       Status = -11
	StatusInterface  Status = -12
	StatusAbort      Status = -13
	StatusReset      Status = -14
	StatusClosed     Status = -15
	StatusArg        Status = -16
)

var statusNames = map[Status]string{
	StatusOK:         "ERR_OK",
	StatusMem:        "ERR_MEM",
	StatusBuf:        "ERR_BUF",
	StatusTimeout:    "ERR_TIMEOUT",
	StatusRoute:      "ERR_RTE",
	StatusInProgress: "ERR_INPROGRESS",
	StatusValue:      "ERR_VAL",
	StatusWouldBlock: "ERR_WOULDBLOCK",
	StatusInUse:      "ERR_USE",
	StatusAlready:    "ERR_ALREADY",
	StatusIsConn:     "ERR_ISCONN",
	StatusConn:       "ERR_CONN",
	StatusInterface:  "ERR_IF",
	StatusAbort:      "ERR_ABRT",
	StatusReset:      "ERR_RST",
	StatusClosed:     "ERR_CLSD",
	StatusArg:        "ERR_ARG",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("err_t(%d)", int32(s))
}

// Err returns nil for StatusOK and a protocol error naming op otherwise.
func (s Status) Err(op string) error {
	if s == StatusOK {
		return nil
	}
	return errors.Protocol(op, s)
}

// statusFromResult decodes a sign-extended err_t returned as an i32.
func statusFromResult(v uint64) Status {
	return Status(int32(uint32(v)))
}
