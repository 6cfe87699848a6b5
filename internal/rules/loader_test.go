package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func signatureIDs(set *SignatureSet) []string {
	var ids []string
	for _, s := range set.List() {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestLoader_BuiltinSignatures(t *testing.T) {
	loader := NewLoader("", false, 0, slog.Default())
	assert.False(t, loader.Loaded())
	assert.Equal(t, 0, loader.Snapshot().Len())

	set, err := loader.LoadSnapshot()
	require.NoError(t, err)

	assert.True(t, loader.Loaded())
	assert.Contains(t, signatureIDs(set), "sqli-tautology")
	assert.Contains(t, signatureIDs(set), "tcp-xmas")

	// evaluation order is stable
	ids := signatureIDs(set)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestLoader_DirectoryOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-custom.yaml", `
signatures:
  - id: telnet-login
    name: Telnet root login
    type: Insecure Protocol
    description: Root login over telnet
    severity: medium
    enabled: true
    selectors:
      protocols: [TCP]
      ports: [23]
    match:
      payload_contains: ["login: root"]
  - id: sqli-tautology
    name: SQL tautology (tuned)
    type: SQL Injection Attempt
    description: Tuned tautology pattern
    severity: medium
    enabled: true
    match:
      payload_regex: '(?i)or\s+1=1'
`)
	writeFile(t, dir, "20-disable.yml", `
- id: tcp-syn-rst
  enabled: false
`)
	writeFile(t, dir, "30-broken.yaml", `
signatures:
  - id: bad-regex
    name: Broken
    type: Broken
    severity: high
    enabled: true
    match:
      payload_regex: '(['
`)
	writeFile(t, dir, "notes.txt", "ignored")

	loader := NewLoader(dir, false, 0, slog.Default())
	set, err := loader.LoadSnapshot()
	require.NoError(t, err)

	ids := signatureIDs(set)
	assert.Contains(t, ids, "telnet-login")
	assert.NotContains(t, ids, "tcp-syn-rst")
	assert.NotContains(t, ids, "bad-regex")

	for _, s := range set.List() {
		if s.ID == "sqli-tautology" {
			assert.Equal(t, "medium", s.Severity)
			assert.Equal(t, filepath.Join(dir, "10-custom.yaml"), s.SourceFile)
		}
	}
}

func TestLoader_MissingDirectoryFallsBackToBuiltins(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent"), false, 0, slog.Default())
	set, err := loader.LoadSnapshot()
	require.NoError(t, err)
	assert.Greater(t, set.Len(), 0)
}

func TestLoader_SingleSignatureFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", `
id: dns-txt-exfil
name: Long DNS TXT query
type: DNS Tunnelling
description: Oversized TXT lookup
severity: low
enabled: true
selectors:
  protocols: [UDP]
  ports: [53]
match:
  payload_regex: '[A-Za-z0-9+/]{120,}'
`)

	set, err := NewLoader(dir, false, 0, slog.Default()).LoadSnapshot()
	require.NoError(t, err)
	assert.Contains(t, signatureIDs(set), "dns-txt-exfil")
}

func TestLoader_HotReload(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, true, 10*time.Millisecond, slog.Default())
	loader.pollInterval = 20 * time.Millisecond

	_, err := loader.LoadSnapshot()
	require.NoError(t, err)
	changed := loader.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.WatchForChanges(ctx))

	writeFile(t, dir, "new.yaml", `
id: ftp-anon
name: Anonymous FTP
type: Insecure Protocol
description: Anonymous FTP login
severity: low
enabled: true
match:
  payload_contains: ["USER anonymous"]
`)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("signatures were not reloaded")
	}
	assert.Contains(t, signatureIDs(loader.Snapshot()), "ftp-anon")
}

func TestSignature_Validate(t *testing.T) {
	valid := Signature{
		ID: "x", Name: "x", Type: "X", Severity: "high", Enabled: true,
		Match: Match{PayloadContains: []string{"x"}},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(s *Signature)
		field  string
	}{
		{name: "missing_id", mutate: func(s *Signature) { s.ID = "" }, field: "id"},
		{name: "missing_type", mutate: func(s *Signature) { s.Type = "" }, field: "type"},
		{name: "bad_severity", mutate: func(s *Signature) { s.Severity = "critical" }, field: "severity"},
		{name: "no_match", mutate: func(s *Signature) { s.Match = Match{} }, field: "match"},
		{name: "bad_protocol", mutate: func(s *Signature) { s.Selectors.Protocols = []string{"SCTP"} }, field: "selectors.protocols"},
		{name: "bad_port", mutate: func(s *Signature) { s.Selectors.Ports = []int{70000} }, field: "selectors.ports"},
		{name: "bad_cidr", mutate: func(s *Signature) { s.Selectors.SourceCIDRs = []string{"10.0.0.0/33"} }, field: "selectors"},
		{name: "bad_exclude", mutate: func(s *Signature) { s.Selectors.ExcludeSources = []string{"host"} }, field: "selectors.exclude_sources"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Selectors = Selector{}
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			vErr, ok := err.(*ValidationError)
			require.True(t, ok)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}
