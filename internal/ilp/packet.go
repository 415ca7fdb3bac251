package ilp

import (
	"fmt"
	"time"
)

// ILP error codes used by this subsystem. The full code registry lives with
// the packet codec, which is owned by the connector core.
const (
	CodeF00BadRequest    = "F00"
	CodeF01InvalidPacket = "F01"
	CodeF02Unreachable   = "F02"
)

// Prepare is the decoded ILP Prepare envelope as handed over by the
// transport layer. Encoding and decoding of the OER wire form happens
// upstream; route distribution only inspects and constructs these.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        string
	Data               []byte
}

type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

type Reject struct {
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// Error lets a Reject travel through error returns so callers can branch on
// the code without a parallel result type.
func (r *Reject) Error() string {
	return fmt.Sprintf("ilp reject %s: %s", r.Code, r.Message)
}
