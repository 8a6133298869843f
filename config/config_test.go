package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const defaultConfig = `
repository: /backups/.hbackup
clients:
- name: web1
  paths:
  - root: /etc
    remote: etc
`

func checkValue(t *testing.T, fieldname string, val string, expected string) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected '%v' got '%v'", fieldname, expected, val)
	}
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	checkValue(t, "Repository", cfg.Repository, "/backups/.hbackup")
	assert.Len(t, cfg.Clients, 1)
	assert.Equal(t, "web1", cfg.Clients[0].Name)
	assert.Equal(t, "/etc", cfg.Clients[0].Paths[0].Root)
	assert.Equal(t, "etc", cfg.Clients[0].Paths[0].Remote)
	assert.False(t, cfg.RemoveObsolete)
	assert.Nil(t, cfg.Mirror)
}

func TestEmptyConfigHasNoClients(t *testing.T) {
	ensureFail(t, "", "at least one client is required")
}

func TestDefaultRepository(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
`
	cfg := loadOrFail(t, cfgString)
	checkValue(t, "Repository", cfg.Repository, DefaultRepository)
}

func TestClientRequiresName(t *testing.T) {
	const cfgString = `
clients:
- paths:
  - root: /etc
`
	ensureFail(t, cfgString, "client has no name")
}

func TestClientRequiresAtLeastOnePath(t *testing.T) {
	const cfgString = `
clients:
- name: web1
`
	ensureFail(t, cfgString, "client has no paths")
}

func TestDuplicateClientNamesRejected(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
- name: web1
  paths:
  - root: /var
`
	ensureFail(t, cfgString, "duplicate client name")
}

func TestExpireDaysDefaultsToNil(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	assert.Nil(t, cfg.Clients[0].ExpireDays)
}

func TestExpireDaysZeroMeansLatestOnly(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
  expire_days: 0
`
	cfg := loadOrFail(t, cfgString)
	if assert.NotNil(t, cfg.Clients[0].ExpireDays) {
		assert.EqualValues(t, 0, *cfg.Clients[0].ExpireDays)
	}
}

func TestCompressionRulesCompile(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
  never_compress:
  - name_regex: '\.jpg$'
  always_compress:
  - name_regex: '\.log$'
`
	cfg := loadOrFail(t, cfgString)
	client := cfg.Clients[0]
	assert.True(t, client.NeverCompress[0].Regex().MatchString("photo.jpg"))
	assert.False(t, client.NeverCompress[0].Regex().MatchString("photo.png"))
	assert.True(t, client.AlwaysCompress[0].Regex().MatchString("server.log"))
}

func TestBadCompressionRegex(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
  never_compress:
  - name_regex: '['
`
	ensureFail(t, cfgString, "bad name_regex")
}

func TestMirrorModeValidated(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
mirror:
  root: /mirror
  mode: tarball
`
	ensureFail(t, cfgString, "mirror.mode must be")
}

func TestMirrorDefaultsOmitted(t *testing.T) {
	const cfgString = `
clients:
- name: web1
  paths:
  - root: /etc
mirror:
  root: /mirror
`
	cfg := loadOrFail(t, cfgString)
	if assert.NotNil(t, cfg.Mirror) {
		checkValue(t, "Mirror.Root", cfg.Mirror.Root, "/mirror")
		checkValue(t, "Mirror.Mode", cfg.Mirror.Mode, "")
	}
}

func TestClientLookup(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	assert.NotNil(t, cfg.Client("web1"))
	assert.Nil(t, cfg.Client("nosuch"))
	assert.Equal(t, []string{"web1"}, cfg.ClientNames())
}

func TestApplyOverrides(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	err := cfg.ApplyOverrides(Config{RemoveObsolete: true})
	assert.NoError(t, err)
	assert.True(t, cfg.RemoveObsolete)
	checkValue(t, "Repository", cfg.Repository, "/backups/.hbackup")
}

func ensureFail(t *testing.T, cfgString string, desc string) {
	_, err := Unmarshal([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err.Error())
	}
	return cfg
}
