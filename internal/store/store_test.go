package store

import "testing"

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost:5432/dealflow":   "pgx5://u:p@localhost:5432/dealflow",
		"postgresql://u:p@localhost:5432/dealflow": "pgx5://u:p@localhost:5432/dealflow",
		"pgx5://localhost/dealflow":                "pgx5://localhost/dealflow",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected up and down migration, got %d files", len(entries))
	}
}
