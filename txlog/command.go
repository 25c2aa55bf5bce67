package txlog

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the operation category of a recorded command.
type Kind int

const (
	KindInvalid Kind = iota
	KindSet
	KindClear
	KindClearRange
	KindAtomicOp
	KindAddConflictRange
	KindGet
	KindGetKey
	KindGetValues
	KindGetKeys
	KindGetRange
	KindWatch
	KindGetReadVersion
	KindCommit
	KindCancel
	KindReset
	KindOnError
	KindLog
)

// Mode is the classification of a command kind used for aggregate statistics.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeRead
	ModeWrite
	ModeMeta
	ModeWatch
	ModeAnnotation
)

// Mode returns the statistics bucket of the kind. Commits count as writes.
func (k Kind) Mode() Mode {
	switch k {
	case KindGet, KindGetKey, KindGetValues, KindGetKeys, KindGetRange, KindGetReadVersion:
		return ModeRead
	case KindSet, KindClear, KindClearRange, KindAtomicOp, KindCommit:
		return ModeWrite
	case KindAddConflictRange, KindCancel, KindReset, KindOnError:
		return ModeMeta
	case KindWatch:
		return ModeWatch
	case KindLog:
		return ModeAnnotation
	case KindInvalid:
		return ModeInvalid
	}

	return ModeInvalid
}

var kindNames = map[Kind]string{
	KindSet:              "Set",
	KindClear:            "Clear",
	KindClearRange:       "ClearRange",
	KindAtomicOp:         "Atomic",
	KindAddConflictRange: "AddConflict",
	KindGet:              "Get",
	KindGetKey:           "GetKey",
	KindGetValues:        "GetValues",
	KindGetKeys:          "GetKeys",
	KindGetRange:         "GetRange",
	KindWatch:            "Watch",
	KindGetReadVersion:   "GetReadVer",
	KindCommit:           "Commit",
	KindCancel:           "Cancel",
	KindReset:            "Reset",
	KindOnError:          "OnError",
	KindLog:              "Log",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Invalid"
}

// Command is one recorded operation. It is stamped by the owning Log while
// open and becomes immutable to callers once its end is recorded.
type Command struct {
	Kind Kind

	// Step is the log's step counter value when the command began. Commands
	// sharing a step ran concurrently; increasing steps are sequential.
	Step int64
	// EndStep is the fresh step assigned on completion of a two-phase
	// command, -1 until then.
	EndStep int64

	// StartOffset and EndOffset are elapsed times since transaction start.
	// EndOffset >= StartOffset once both are set.
	StartOffset time.Duration
	EndOffset   time.Duration

	// ArgumentBytes is the write payload size, -1 when not applicable.
	ArgumentBytes int
	// ResultBytes is the read result size, -1 when not applicable.
	ResultBytes int

	// Worker identifies the issuing execution context, -1 when unknown.
	// Diagnostic only, never used for ordering or correctness.
	Worker int

	// Detail is a free-form annotation, typically a key preview.
	Detail string

	// Err is the operation failure captured at completion, if any.
	Err error

	open bool
}

// NewCommand returns a fresh command of the given kind with byte counts,
// end step and worker unset.
func NewCommand(kind Kind) *Command {
	return &Command{
		Kind:          kind,
		EndStep:       -1,
		ArgumentBytes: -1,
		ResultBytes:   -1,
		Worker:        -1,
	}
}

// Open reports whether the command has begun but not yet ended.
func (c *Command) Open() bool {
	return c.open
}

// Duration is the elapsed time between begin and end. Zero while open.
func (c *Command) Duration() time.Duration {
	if c.open {
		return 0
	}
	return c.EndOffset - c.StartOffset
}

// Describe renders the command's one-line self-description used by the flat
// command report.
func (c *Command) Describe() string {
	var sb strings.Builder

	sb.WriteString(c.Kind.String())
	if c.Detail != "" {
		fmt.Fprintf(&sb, " %s", c.Detail)
	}
	if c.ArgumentBytes >= 0 {
		fmt.Fprintf(&sb, " <= %d bytes", c.ArgumentBytes)
	}
	if c.ResultBytes >= 0 {
		fmt.Fprintf(&sb, " => %d bytes", c.ResultBytes)
	}
	if c.open {
		sb.WriteString(" (in flight)")
	}
	if c.Err != nil {
		fmt.Fprintf(&sb, " [!] %v", c.Err)
	}

	return sb.String()
}
