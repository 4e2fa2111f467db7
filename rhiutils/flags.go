package rhiutils

import (
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// FlagStringMapping maintains a registry of bitflag values to human-readable names, used
// to build String() methods for the various flag types in this module. Flags must be
// registered at init time, before any String() calls are made.
type FlagStringMapping[T constraints.Integer] struct {
	stringMap map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{stringMap: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(value T, name string) {
	m.stringMap[value] = name
}

// FlagsToString produces a pipe-separated list of names for every registered bit set in
// value. Registered composite values (more than one bit) are matched before single bits.
// If value is zero and a name was registered for zero, that name is returned.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if name, ok := m.stringMap[value]; ok {
		return name
	}

	registered := make([]T, 0, len(m.stringMap))
	for flag := range m.stringMap {
		if flag != 0 {
			registered = append(registered, flag)
		}
	}
	slices.Sort(registered)

	var names []string
	remaining := value
	for _, flag := range registered {
		if flag&value == flag && flag&remaining != 0 {
			names = append(names, m.stringMap[flag])
			remaining &= ^flag
		}
	}

	return strings.Join(names, "|")
}
