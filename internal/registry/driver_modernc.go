package registry

import (
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

// sqliteDSN builds a modernc.org/sqlite DSN from a path and pragma
// key-value pairs, each formatted as _pragma=key(value).
func sqliteDSN(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}
