package util

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair(1024)
	require.NoError(t, err)

	privBlock, _ := pem.Decode([]byte(pair.Private))
	require.NotNil(t, privBlock)
	assert.Equal(t, "RSA PRIVATE KEY", privBlock.Type)
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	require.NoError(t, err)

	pubBlock, _ := pem.Decode([]byte(pair.Public))
	require.NotNil(t, pubBlock)
	assert.Equal(t, "PUBLIC KEY", pubBlock.Type)
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))
}

func TestRandomString(t *testing.T) {
	for _, n := range []int{1, 7, 16, 32} {
		s := RandomString(n)
		assert.Len(t, s, n)
	}
	assert.NotEqual(t, RandomString(16), RandomString(16))
}

func TestNormalizeInput(t *testing.T) {
	assert.Equal(t, "a b &lt;b&gt;", NormalizeInput("a\nb <b>"))
}

func TestMarkdownLinks(t *testing.T) {
	text := "see [docs](https://example.com/docs) and [x](https://x.example)"

	assert.Equal(t,
		`see <a href="https://example.com/docs" target="_blank" rel="noopener noreferrer">docs</a> and <a href="https://x.example" target="_blank" rel="noopener noreferrer">x</a>`,
		MarkdownLinksToHTML(text))
	assert.Equal(t, "plain", MarkdownLinksToHTML("plain"))
	assert.Equal(t,
		`<a href="https://e.example/?a=1&amp;b=2" target="_blank" rel="noopener noreferrer">&lt;b&gt;</a>`,
		MarkdownLinksToHTML("[<b>](https://e.example/?a=1&b=2)"))
}

func TestGetNameAndVersion(t *testing.T) {
	assert.Equal(t, "tusk / 0.1.0", GetNameAndVersion())
}

func TestGetConfigDirHonoursHomeEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv(HomeEnv, dir)

	got, err := GetConfigDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)
}

func TestResolveFilePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })

	assert.Equal(t, filepath.Join(home, "database.db"), ResolveFilePath("database.db"))

	require.NoError(t, os.WriteFile("database.db", nil, 0o644))
	assert.Equal(t, "database.db", ResolveFilePath("database.db"))
}
