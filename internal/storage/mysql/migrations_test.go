package mysql

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("-- speeds up sequence lookups\nCREATE INDEX idx ON transaction_records (kind);\n")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0003_empty.sql":     {Data: []byte("-- nothing yet\n")},
		"README.md":          {Data: []byte("not a migration")},
	}

	got, err := loadMigrations(files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(got))
	}
	if got[0].version != "0001" || len(got[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", got[0])
	}
	if got[1].version != "0002" || got[1].statements[0] != "CREATE INDEX idx ON transaction_records (kind)" {
		t.Fatalf("comment not stripped: %+v", got[1])
	}
}

func TestMigrationVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0001_transaction_records.sql": "0001",
		"0007.sql":                     "0007",
		"_odd.sql":                     "_odd",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
