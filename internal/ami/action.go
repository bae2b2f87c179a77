package ami

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Action is an outgoing AMI command with fields kept in insertion order.
type Action struct {
	name      string
	fields    []header
	variables map[string]string
}

// NewAction starts an action; an ActionID is generated unless set later.
func NewAction(name string) *Action {
	return &Action{name: name, variables: make(map[string]string)}
}

// Set appends a field. Empty values are skipped.
func (a *Action) Set(key, value string) *Action {
	if value == "" {
		return a
	}
	for i, f := range a.fields {
		if strings.EqualFold(f.Key, key) {
			a.fields[i].Value = value
			return a
		}
	}
	a.fields = append(a.fields, header{Key: key, Value: value})
	return a
}

// SetInt appends an integer field.
func (a *Action) SetInt(key string, value int) *Action {
	return a.Set(key, strconv.Itoa(value))
}

// Variable adds a channel variable emitted as its own "Variable: k=v" line.
func (a *Action) Variable(key, value string) *Action {
	a.variables[key] = value
	return a
}

// Name returns the action name.
func (a *Action) Name() string {
	return a.name
}

// ID returns the ActionID, assigning a uuid on first use.
func (a *Action) ID() string {
	for _, f := range a.fields {
		if strings.EqualFold(f.Key, "ActionID") {
			return f.Value
		}
	}
	id := uuid.NewString()
	a.fields = append(a.fields, header{Key: "ActionID", Value: id})
	return id
}

// String renders the action in wire format, terminated by a blank line.
func (a *Action) String() string {
	a.ID()

	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(a.name)
	b.WriteString("\r\n")
	for _, f := range a.fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(sanitize(f.Value))
		b.WriteString("\r\n")
	}

	keys := make([]string, 0, len(a.variables))
	for k := range a.variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("Variable: ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(sanitize(a.variables[k]))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// sanitize keeps caller-supplied values from injecting extra header lines.
func sanitize(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
