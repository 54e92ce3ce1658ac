// Package operation turns command executions into operations: the
// commit/rollback envelope of one command (Scope), the durable record it
// produces (Operation), and the completion path that invalidates local
// cache entries and appends the record to the shared log.
package operation

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
)

// Operation is the durable record of one committed command. Once
// appended to a log it is immutable.
type Operation struct {
	// ID is a ULID assigned when the scope opens.
	ID string `json:"id"`

	// AgentID is the agent that executed the command.
	AgentID agent.ID `json:"agent_id"`

	// CommandType and Payload describe the command. Payload is the
	// deterministic CBOR encoding of the command value.
	CommandType string `json:"command_type"`
	Payload     []byte `json:"payload,omitempty"`

	StartTime  time.Time `json:"start_time"`
	CommitTime time.Time `json:"commit_time"`

	// Hints are the cache keys the writer knows to be stale after this
	// operation.
	Hints []computed.Key `json:"hints,omitempty"`

	// Position is assigned by the log on append. Zero until then.
	Position int64 `json:"position,omitempty"`
}

// NewID returns a new operation id.
func NewID() string {
	return ulid.Make().String()
}

var payloadMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// EncodePayload returns the deterministic CBOR encoding of cmd.
func EncodePayload(cmd command.Command) ([]byte, error) {
	return payloadMode.Marshal(cmd)
}

// DecodePayload decodes an operation payload into v.
func DecodePayload(payload []byte, v any) error {
	return cbor.Unmarshal(payload, v)
}

type completionKey struct{}

// Completion marks a command context as the replay of an operation that
// was already completed, locally or by another agent. Scopes opened for
// such a context are never used, so replays never produce new
// operations.
type Completion struct {
	Operation *Operation
}

// CommandType implements command.Command.
func (Completion) CommandType() string { return CompletionCommandType }

// CompletionCommandType is the command type replayed operations are
// dispatched under.
const CompletionCommandType = "derive.completion"

// MarkCompletion records op as the completion cc replays.
func MarkCompletion(cc *command.Context, op *Operation) {
	cc.Items().Set(completionKey{}, &Completion{Operation: op})
}

// CompletionFrom returns the completion cc replays, if any.
func CompletionFrom(cc *command.Context) (*Completion, bool) {
	v, ok := cc.Items().Get(completionKey{})
	if !ok {
		return nil, false
	}
	c, ok := v.(*Completion)
	return c, ok
}
