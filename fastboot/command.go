package fastboot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ardnew/fastbootd/pkg"
)

// Handler executes one command. arg is everything after the command token
// and its delimiter, unparsed. A handler runs to completion before the next
// command record is read and has exclusive use of the session meanwhile.
type Handler func(s *Session, arg string) Outcome

type outcomeKind uint8

const (
	outcomeOkay outcomeKind = iota
	outcomeFail
	outcomeHandled
)

// Outcome is the result a handler reports to the dispatcher.
type Outcome struct {
	kind    outcomeKind
	message string
}

// Okay reports success; the dispatcher sends OKAY<message>.
func Okay(message string) Outcome {
	return Outcome{kind: outcomeOkay, message: message}
}

// Okayf reports success with a formatted message.
func Okayf(format string, args ...any) Outcome {
	return Okay(fmt.Sprintf(format, args...))
}

// Fail reports failure; the dispatcher sends FAIL<reason>.
func Fail(reason string) Outcome {
	return Outcome{kind: outcomeFail, message: reason}
}

// Failf reports failure with a formatted reason.
func Failf(format string, args ...any) Outcome {
	return Fail(fmt.Sprintf(format, args...))
}

// FailErr reports err as the failure reason.
func FailErr(err error) Outcome {
	return Fail(err.Error())
}

// Handled reports that the handler already sent its terminal response,
// typically from inside a data phase.
func Handled() Outcome {
	return Outcome{kind: outcomeHandled}
}

// IsOkay reports whether o is a success outcome.
func (o Outcome) IsOkay() bool { return o.kind == outcomeOkay }

// IsFail reports whether o is a failure outcome.
func (o Outcome) IsFail() bool { return o.kind == outcomeFail }

// Message returns the message or failure reason of o.
func (o Outcome) Message() string { return o.message }

// String returns the response record o would produce.
func (o Outcome) String() string {
	switch o.kind {
	case outcomeOkay:
		return StatusOkay.String() + o.message
	case outcomeFail:
		return StatusFail.String() + o.message
	default:
		return "handled"
	}
}

// CommandTable maps command tokens to handlers. It is immutable once built
// and safe to share between sessions without locking.
type CommandTable struct {
	handlers map[string]Handler
	verbs    map[string]bool
	names    []string
}

// NewCommandTable builds a table holding a copy of handlers.
func NewCommandTable(handlers map[string]Handler) (*CommandTable, error) {
	b := NewCommandTableBuilder()
	for name, h := range handlers {
		b.Handle(name, h)
	}
	return b.Build()
}

// Lookup returns the handler registered for name. Matching is case-sensitive.
func (t *CommandTable) Lookup(name string) (Handler, bool) {
	h, ok := t.handlers[name]
	return h, ok
}

// Match resolves a command record to its handler. The token is the text
// before the first ':'. When no command has that token, a record of the
// form "<verb> <args>" matches a command registered with HandleVerb and
// carries everything after the first space as its argument.
func (t *CommandTable) Match(line string) (name, arg string, h Handler, ok bool) {
	name, arg = SplitCommand(line)
	if h, ok = t.handlers[name]; ok {
		return name, arg, h, true
	}
	if verb, rest, found := strings.Cut(line, " "); found && t.verbs[verb] {
		return verb, rest, t.handlers[verb], true
	}
	return name, arg, nil, false
}

// Names returns the registered command tokens in sorted order.
func (t *CommandTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Len returns the number of registered commands.
func (t *CommandTable) Len() int {
	return len(t.handlers)
}

// CommandTableBuilder collects handlers for a CommandTable.
// Registration errors are reported by Build.
type CommandTableBuilder struct {
	handlers map[string]Handler
	verbs    map[string]bool
	errors   []error
	built    bool
}

// NewCommandTableBuilder creates an empty builder.
func NewCommandTableBuilder() *CommandTableBuilder {
	return &CommandTableBuilder{
		handlers: make(map[string]Handler),
		verbs:    make(map[string]bool),
	}
}

// HandleVerb registers h for name like Handle, and additionally accepts
// the space-separated form "<name> <args>" ("oem device-info",
// "flashing unlock").
func (b *CommandTableBuilder) HandleVerb(name string, h Handler) *CommandTableBuilder {
	n := len(b.errors)
	b.Handle(name, h)
	if len(b.errors) == n {
		b.verbs[name] = true
	}
	return b
}

// Handle registers h for the command token name.
func (b *CommandTableBuilder) Handle(name string, h Handler) *CommandTableBuilder {
	switch {
	case b.built:
		b.errors = append(b.errors, fmt.Errorf("%w: table already built", pkg.ErrInvalidPhase))
	case name == "" || strings.ContainsAny(name, ": "):
		b.errors = append(b.errors, fmt.Errorf("%w: command name %q", pkg.ErrInvalidParameter, name))
	case h == nil:
		b.errors = append(b.errors, fmt.Errorf("%w: nil handler for %q", pkg.ErrInvalidParameter, name))
	default:
		if _, dup := b.handlers[name]; dup {
			b.errors = append(b.errors, fmt.Errorf("%w: duplicate command %q", pkg.ErrInvalidParameter, name))
			break
		}
		b.handlers[name] = h
	}
	return b
}

// Build returns the immutable table, or the first registration error.
func (b *CommandTableBuilder) Build() (*CommandTable, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	b.built = true

	t := &CommandTable{
		handlers: make(map[string]Handler, len(b.handlers)),
		verbs:    make(map[string]bool, len(b.verbs)),
		names:    make([]string, 0, len(b.handlers)),
	}
	for name := range b.verbs {
		t.verbs[name] = true
	}
	for name, h := range b.handlers {
		t.handlers[name] = h
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// SplitCommand splits a command record into its token and argument at the
// first ':'. The delimiter itself is dropped.
//
//	"getvar:partition-size:boot" → "getvar", "partition-size:boot"
//	"getvar product"             → "getvar product", ""
//	"reboot"                     → "reboot", ""
func SplitCommand(line string) (name, arg string) {
	name, arg, _ = strings.Cut(line, ":")
	return name, arg
}

// SplitArgs splits a handler argument on ':'. An empty argument yields nil.
func SplitArgs(arg string) []string {
	if arg == "" {
		return nil
	}
	return strings.Split(arg, ":")
}
