package database

import _ "embed"

//go:embed sql/001_initial.sql
var initialSQL string

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, initialSQL},
}
