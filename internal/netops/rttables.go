package netops

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// rtTables is the parsed content of an iproute2 rt_tables file.
type rtTables struct {
	byName map[string]int
	used   map[int]bool
}

func parseRTTables(data []byte) rtTables {
	t := rtTables{byName: make(map[string]int), used: make(map[int]bool)}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		t.byName[fields[1]] = id
		t.used[id] = true
	}
	return t
}

// reserve returns the id of name, picking the lowest free id in [lo, hi]
// when it is not listed. added reports whether a new line must be written.
func (t rtTables) reserve(name string, lo, hi int) (id int, added bool, err error) {
	if id, ok := t.byName[name]; ok {
		return id, false, nil
	}
	for id := lo; id <= hi; id++ {
		if !t.used[id] {
			t.byName[name] = id
			t.used[id] = true
			return id, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w in [%d,%d] for %s", ErrNoFreeTable, lo, hi, name)
}

// ReserveTable looks up or appends the table entry for name in path.
func ReserveTable(path, name string, lo, hi int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	id, added, err := parseRTTables(data).reserve(name, lo, hi)
	if err != nil || !added {
		return id, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sep := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		sep = "\n"
	}
	if _, err := fmt.Fprintf(f, "%s%d %s\n", sep, id, name); err != nil {
		return 0, fmt.Errorf("append %s: %w", path, err)
	}
	return id, nil
}
