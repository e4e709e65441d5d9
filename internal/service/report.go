package service

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// FormatStatus renders one `<service>#<index> <STATE>` line per instance.
func FormatStatus(states []InstanceState) string {
	var b strings.Builder
	for _, s := range states {
		b.WriteString(s.ID())
		b.WriteByte(' ')
		b.WriteString(s.State.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseStatus parses a report produced by FormatStatus. Blank lines are skipped.
func ParseStatus(report string) ([]InstanceState, error) {
	var ret []InstanceState
	sc := bufio.NewScanner(strings.NewReader(report))
	for lineno := 1; sc.Scan(); lineno++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected `<service>#<index> <STATE>`, got %q", lineno, line)
		}
		hash := strings.LastIndexByte(fields[0], '#')
		if hash <= 0 {
			return nil, fmt.Errorf("line %d: missing instance index in %q", lineno, fields[0])
		}
		index, err := strconv.Atoi(fields[0][hash+1:])
		if err != nil || index < 1 {
			return nil, fmt.Errorf("line %d: invalid instance index in %q", lineno, fields[0])
		}
		state, ok := ParseState(fields[1])
		if !ok {
			return nil, fmt.Errorf("line %d: unknown state %q", lineno, fields[1])
		}
		ret = append(ret, InstanceState{
			Service: fields[0][:hash],
			Index:   index,
			State:   state,
		})
	}
	return ret, sc.Err()
}
