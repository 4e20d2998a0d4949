package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("RECALL_TEST_HOST", "db.internal")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr string
	}{
		{name: "set", in: "dsn: ${RECALL_TEST_HOST}", want: "dsn: db.internal"},
		{name: "default unused", in: "x: ${RECALL_TEST_HOST:-other}", want: "x: db.internal"},
		{name: "default", in: "x: ${RECALL_TEST_UNSET:-fallback}", want: "x: fallback"},
		{name: "empty default", in: "x: '${RECALL_TEST_UNSET:-}'", want: "x: ''"},
		{name: "unresolved", in: "x: ${RECALL_TEST_UNSET}", wantErr: "unresolved variable: RECALL_TEST_UNSET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnv([]byte(tt.in))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":8000" || cfg.Store.Driver != DriverChromem || cfg.Store.Path != "./chroma_db" {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Server, cfg.Store)
	}
	if cfg.Store.Collection != "conversations" || cfg.Embedder.Model != "nomic-embed-text" || cfg.Embedder.Dimensions != 768 {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Store, cfg.Embedder)
	}
	if !*cfg.Search.FailOpen || !*cfg.Search.OnlyHelpful || !*cfg.Engine.Memory {
		t.Error("expected fail_open, only_helpful and engine.memory to default to true")
	}
	if cfg.Embedder.Timeout != 30*time.Second || cfg.Embedder.PullTimeout != 5*time.Minute {
		t.Errorf("unexpected timeouts: %v %v", cfg.Embedder.Timeout, cfg.Embedder.PullTimeout)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("RECALL_TEST_DSN", "postgres://u:p@localhost/recall")
	path := filepath.Join(t.TempDir(), "recalld.yaml")
	raw := `
server:
  addr: 127.0.0.1:9000
  shutdown_timeout: 3s
store:
  driver: pgvector
  dsn: ${RECALL_TEST_DSN}
embedder:
  provider: mock
  dimensions: 16
search:
  fail_open: false
  min_similarity: 0.7
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.DSN != "postgres://u:p@localhost/recall" || cfg.Store.Table != "conversations" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if *cfg.Search.FailOpen {
		t.Error("expected explicit fail_open: false to be kept")
	}
	if cfg.Search.MinSimilarity != 0.7 {
		t.Errorf("min_similarity = %v", cfg.Search.MinSimilarity)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	cfg.Embedder.Provider = ProviderONNX
	cfg.Search.MinSimilarity = 1.5
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Server.GRPCAddr = cfg.Server.Addr

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		`unknown store.driver "sqlite"`,
		"onnx.model_path",
		"min_similarity",
		"log.level",
		"log.format",
		"grpc_addr must differ",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidate_PgVectorNeedsDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverPgVector
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "store.dsn") {
		t.Errorf("expected dsn error, got %v", err)
	}
}
