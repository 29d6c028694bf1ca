package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasFor(t *testing.T) {
	assert.Equal(t, "client_99", AliasFor(99))
	assert.True(t, IsTenantAlias("client_99"))
	assert.False(t, IsTenantAlias("client_"))
	assert.False(t, IsTenantAlias("default"))
}

func TestTenantRecordHidesPassword(t *testing.T) {
	rec := TenantRecord{ClientID: 7, Alias: "client_7", DBPassword: "gAAAAA-cipher"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gAAAAA-cipher")
	assert.Contains(t, string(data), `"alias":"client_7"`)
}

func TestDBTypeValid(t *testing.T) {
	assert.True(t, DBTypeSelfHosted.Valid())
	assert.True(t, DBTypeClientHosted.Valid())
	assert.False(t, DBType("cloud").Valid())
}
