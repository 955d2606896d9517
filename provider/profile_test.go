package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
default = "aws-dev"

[profile.aws-dev]
kind = "aws"
store = "s3://coral-artifacts/dev"
region = "us-west-2"
repo = "coral/images"
agent_image = "123456789.dkr.ecr.us-west-2.amazonaws.com/coral-agent:v1"

[profile.aws-dev.options]
fabric = "lambda"
role_arn = "arn:aws:iam::123456789:role/coral-exec"

[profile.prime-gpu]
kind = "prime"
store = "s3://coral-artifacts/dev"
image_from = "aws-dev"

[profile.prime-gpu.options]
api_key_env = "PRIME_API_KEY"
team_id = "team_123"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestLoadAndSelect(t *testing.T) {
	f, err := LoadFile(writeConfig(t))
	require.NoError(t, err)

	p, err := f.Select("")
	require.NoError(t, err)
	assert.Equal(t, "aws-dev", p.Name)
	assert.Equal(t, "aws", p.Kind)
	assert.Equal(t, "s3://coral-artifacts/dev", p.Store)

	p, err = f.Select("prime-gpu")
	require.NoError(t, err)
	assert.Equal(t, "prime", p.Kind)
	assert.Equal(t, "aws-dev", p.ImageFrom)

	_, err = f.Select("staging")
	assert.Error(t, err)
}

func TestSelectSingleProfileWithoutDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[profile.only]
kind = "aws"
store = "s3://b/p"
`), 0o644))
	f, err := LoadFile(path)
	require.NoError(t, err)
	p, err := f.Select("")
	require.NoError(t, err)
	assert.Equal(t, "only", p.Name)
}

func TestLoadMissingFile(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	_, err = f.Select("")
	assert.Error(t, err)
}

func TestDecodeOptions(t *testing.T) {
	f, err := LoadFile(writeConfig(t))
	require.NoError(t, err)
	p, err := f.Select("aws-dev")
	require.NoError(t, err)

	var opts struct {
		Fabric  string `toml:"fabric"`
		RoleARN string `toml:"role_arn"`
	}
	require.NoError(t, p.DecodeOptions(&opts))
	assert.Equal(t, "lambda", opts.Fabric)
	assert.Equal(t, "arn:aws:iam::123456789:role/coral-exec", opts.RoleARN)
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "*****", MaskValue("api_key", "pk_live_123"))
	assert.Equal(t, "*****", MaskValue("api_key_env", "PRIME_API_KEY"))
	assert.Equal(t, "*****", MaskValue("client_secret", "shh"))
	assert.Equal(t, "*****", MaskValue("session_token", "tok"))
	assert.Equal(t, "lambda", MaskValue("fabric", "lambda"))
	assert.Equal(t, "", MaskValue("api_key", ""))
	assert.Equal(t, 3, MaskValue("key_count", 3))
}

type nopLoader struct{}

func (nopLoader) Load(profile *Profile, deps *Deps) (Provider, error) { return nil, nil }

func TestRegistryLookup(t *testing.T) {
	Register(Type("testkind"), nopLoader{})
	assert.Contains(t, Kinds(), "testkind")

	_, err := New(&Profile{Name: "x", Kind: "absent"}, &Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider kind")
}
