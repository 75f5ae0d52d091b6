package httpapi

import (
	"reflect"
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{
		WebhookSecret:  "hook-secret",
		AdminJWTKey:    "signing-key",
		AdminJWTIssuer: "creditgate",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("Validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("listen addr = %q, expected %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.SignatureMaxSkew != defaultSignatureMaxSkew {
		test.Fatalf("signature skew = %v, expected %v", cfg.SignatureMaxSkew, defaultSignatureMaxSkew)
	}
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		test.Fatalf("shutdown timeout = %v, expected %v", cfg.ShutdownTimeout, defaultShutdownTimeout)
	}
}

func TestConfigValidateKeepsExplicitValues(test *testing.T) {
	test.Parallel()
	cfg := Config{
		ListenAddr:       ":9090",
		WebhookSecret:    "hook-secret",
		AdminJWTKey:      "signing-key",
		AdminJWTIssuer:   "creditgate",
		SignatureMaxSkew: time.Minute,
		ShutdownTimeout:  10 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("Validate: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.SignatureMaxSkew != time.Minute || cfg.ShutdownTimeout != 10*time.Second {
		test.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestConfigValidateRequiredSettings(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(*Config)
	}{
		{name: "missing webhook secret", configure: func(cfg *Config) { cfg.WebhookSecret = " " }},
		{name: "missing admin key", configure: func(cfg *Config) { cfg.AdminJWTKey = "" }},
		{name: "missing admin issuer", configure: func(cfg *Config) { cfg.AdminJWTIssuer = "" }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := Config{
				WebhookSecret:  "hook-secret",
				AdminJWTKey:    "signing-key",
				AdminJWTIssuer: "creditgate",
			}
			testCase.configure(&cfg)
			if err := cfg.Validate(); err == nil {
				test.Fatal("expected validation error")
			}
		})
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		raw      string
		expected []string
	}{
		{name: "empty", raw: "", expected: []string{}},
		{name: "single", raw: "https://app.example.com", expected: []string{"https://app.example.com"}},
		{
			name:     "trims and drops blanks",
			raw:      " https://app.example.com , ,https://admin.example.com ",
			expected: []string{"https://app.example.com", "https://admin.example.com"},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			origins := ParseAllowedOrigins(testCase.raw)
			if !reflect.DeepEqual(origins, testCase.expected) {
				test.Fatalf("origins = %v, expected %v", origins, testCase.expected)
			}
		})
	}
}
