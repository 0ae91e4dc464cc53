package postgres

import (
	"testing"
	"time"
)

func TestPoolConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         Config
		opts        []ConfigOption
		wantMax     int32 // zero keeps the pgxpool default
		wantMin     int32
		wantTimeout time.Duration
		wantApp     string
	}{
		{
			name:        "defaults",
			cfg:         DefaultConfig(),
			wantMax:     10,
			wantTimeout: 10 * time.Second,
			wantApp:     "cassettedeck",
		},
		{
			name:        "options override",
			cfg:         DefaultConfig(),
			opts:        []ConfigOption{WithPoolSize(2, 20), WithApplicationName("deck-a"), WithConnectTimeout(time.Second)},
			wantMax:     20,
			wantMin:     2,
			wantTimeout: time.Second,
			wantApp:     "deck-a",
		},
		{
			name:        "dsn settings win",
			cfg:         DefaultConfig(),
			opts:        []ConfigOption{WithDSN("postgres://deck@db:5433/index?connect_timeout=3&application_name=ops")},
			wantMax:     10,
			wantTimeout: 3 * time.Second,
			wantApp:     "ops",
		},
		{
			name:        "keyword dsn",
			cfg:         Config{DSN: "host=db port=5432 dbname=index user=deck"},
			wantTimeout: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pc, err := PoolConfig(tt.cfg, tt.opts...)
			if err != nil {
				t.Fatalf("PoolConfig() error = %v", err)
			}
			if tt.wantMax != 0 && pc.MaxConns != tt.wantMax {
				t.Errorf("MaxConns = %d, want %d", pc.MaxConns, tt.wantMax)
			}
			if pc.MinConns != tt.wantMin {
				t.Errorf("MinConns = %d, want %d", pc.MinConns, tt.wantMin)
			}
			if pc.ConnConfig.ConnectTimeout != tt.wantTimeout {
				t.Errorf("ConnectTimeout = %v, want %v", pc.ConnConfig.ConnectTimeout, tt.wantTimeout)
			}
			if got := pc.ConnConfig.RuntimeParams["application_name"]; got != tt.wantApp {
				t.Errorf("application_name = %q, want %q", got, tt.wantApp)
			}
		})
	}
}

func TestPoolConfig_InvalidDSN(t *testing.T) {
	t.Parallel()

	if _, err := PoolConfig(Config{DSN: "postgres://%zz"}); err == nil {
		t.Error("expected parse error")
	}
}
