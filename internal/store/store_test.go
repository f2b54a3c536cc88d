package store

import "testing"

func TestDriverOfDetectsSqlite(t *testing.T) {
	cases := map[string]string{
		"sqlite:./batch.db":             "sqlite",
		":memory:":                      "sqlite",
		"./testdata/batch.db":           "sqlite",
		"postgres://user:pw@host/db":    "postgres",
		"host=localhost dbname=batch":   "postgres",
	}
	for dsn, want := range cases {
		if got := driverOf(dsn); got != want {
			t.Errorf("driverOf(%q) = %q, want %q", dsn, got, want)
		}
	}
}
