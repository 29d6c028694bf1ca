package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/app"
	"github.com/commhub/communication-server/internal/config"
	"github.com/commhub/communication-server/pkg/crypto"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"register", "offboard", "purge", "migrate", "resolve", "encrypt", "genkey"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	_, err := execute(t, "genkey", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestGenKeyAndEncrypt(t *testing.T) {
	out, err := execute(t, "genkey", "--format", "json")
	require.NoError(t, err)
	var gen map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &gen))
	key := gen["key"]
	require.NotEmpty(t, key)

	out, err = execute(t, "encrypt", "s3cret", "--key", key, "--format", "json")
	require.NoError(t, err)
	var enc map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &enc))

	vault, err := crypto.NewVault(crypto.VaultOptions{Key: key})
	require.NoError(t, err)
	plain, err := vault.Decrypt(enc["db_password"])
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestEncryptWithoutKey(t *testing.T) {
	t.Setenv("DB_ENCRYPTION_KEY", "")
	t.Setenv("SECRET_KEY", "")

	_, err := execute(t, "encrypt", "s3cret")
	assert.ErrorContains(t, err, "configuration")
}

func TestArgumentChecks(t *testing.T) {
	_, err := execute(t, "offboard", "abc")
	assert.ErrorContains(t, err, "positive integer")

	_, err = execute(t, "purge")
	assert.Error(t, err)

	_, err = execute(t, "register", "--client-id", "1")
	assert.ErrorContains(t, err, "required")
}

func TestAppErrorsSurface(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@localhost/master")

	cmd := newRootCommand(&RootOptions{
		newApp: func(context.Context, *config.Config) (*app.App, error) {
			return nil, errors.New("database unreachable")
		},
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"offboard", "42"})
	assert.ErrorContains(t, cmd.Execute(), "database unreachable")
}
