package vault

import (
	"context"
	"testing"

	"will-go/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.VaultConfig
		wantErr  bool
		validate bool
	}{
		{
			name:     "memory vault",
			cfg:      config.VaultConfig{Type: "memory", Name: "test-memory"},
			validate: true,
		},
		{
			name:     "filesystem vault",
			cfg:      config.VaultConfig{Type: "filesystem", Name: "test-fs", FSVaultRoot: t.TempDir()},
			validate: true,
		},
		{
			name:    "filesystem vault without root",
			cfg:     config.VaultConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name: "s3 vault with custom endpoint",
			cfg: config.VaultConfig{
				Type:       "s3",
				Name:       "test-s3",
				S3Bucket:   "wills",
				S3Region:   "us-east-1",
				S3Endpoint: "http://127.0.0.1:9000",
			},
		},
		{
			name:    "s3 vault without bucket",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:    "unknown vault type",
			cfg:     config.VaultConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	t.Setenv(EnvS3AccessKeyID, "test-key")
	t.Setenv(EnvS3SecretAccessKey, "test-secret")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVaultFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got == nil {
				t.Fatal("NewVaultFromConfig() returned nil")
			}
			if tt.validate {
				if err := got.ValidateSetup(context.Background()); err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
			}
		})
	}
}

func TestS3Vault_Keys(t *testing.T) {
	v, err := NewS3Vault(context.Background(), "s3", S3Config{
		Bucket:          "wills",
		Prefix:          "prod",
		Region:          "us-east-1",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
	})
	if err != nil {
		t.Fatalf("NewS3Vault() error = %v", err)
	}
	if got := v.contentKey("abc"); got != "prod/content/abc" {
		t.Errorf("contentKey() = %q", got)
	}
	if got := v.metadataKey("host-1", "db"); got != "prod/metadata/host-1/db" {
		t.Errorf("metadataKey() = %q", got)
	}
}
