package sqlite

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestDataSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want map[string]string
	}{
		{
			name: "defaults",
			cfg:  DefaultConfig(),
			want: map[string]string{
				"mode":          "rwc",
				"_journal_mode": "WAL",
				"_synchronous":  "NORMAL",
				"_busy_timeout": "5000",
				"_txlock":       "immediate",
				"_foreign_keys": "on",
			},
		},
		{
			name: "dsn parameters win",
			cfg: Config{
				DSN:         "file:x.db?_journal_mode=DELETE&_busy_timeout=10",
				JournalMode: "WAL",
				BusyTimeout: time.Second,
			},
			want: map[string]string{
				"_journal_mode": "DELETE",
				"_busy_timeout": "10",
				"_txlock":       "",
			},
		},
		{
			name: "bare path",
			cfg:  Config{DSN: "index.db"},
			want: map[string]string{"_foreign_keys": "on"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := dataSource(tt.cfg)
			path, query, _ := strings.Cut(got, "?")
			if wantPath, _, _ := strings.Cut(tt.cfg.DSN, "?"); path != wantPath {
				t.Errorf("path = %q, want %q", path, wantPath)
			}
			values, err := url.ParseQuery(query)
			if err != nil {
				t.Fatalf("ParseQuery(%q) error = %v", query, err)
			}
			for k, want := range tt.want {
				if values.Get(k) != want {
					t.Errorf("%s = %q, want %q (dsn %s)", k, values.Get(k), want, got)
				}
			}
		})
	}
}
