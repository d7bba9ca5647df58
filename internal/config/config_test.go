package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callbridge", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "callbridge"
	c.Auth.JWTAudience = "callbridge-api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected access ttl default, got %v", c.Auth.AccessTokenTTL)
	}
	if len(c.ICE.Servers) != 1 || c.ICE.Servers[0] != defaultSTUNServer {
		t.Fatalf("expected default stun server, got %v", c.ICE.Servers)
	}
}

func TestValidate_RejectsMalformedICEServer(t *testing.T) {
	c := validLocal()
	c.ICE.Servers = []string{"http://not-a-stun-server"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for malformed ICE server")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" stun:a:3478 , turns:b:5349 ,")
	if len(got) != 2 || got[0] != "stun:a:3478" || got[1] != "turns:b:5349" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
