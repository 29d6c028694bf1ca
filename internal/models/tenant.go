package models

import (
	"strconv"
	"strings"
)

// AliasPrefix prefixes every tenant database alias.
const AliasPrefix = "client_"

// DBType tells who operates a tenant database.
type DBType string

const (
	DBTypeSelfHosted   DBType = "self_hosted"
	DBTypeClientHosted DBType = "client_hosted"
)

// Valid reports whether t is a known database type.
func (t DBType) Valid() bool {
	return t == DBTypeSelfHosted || t == DBTypeClientHosted
}

// TenantRecord identifies one tenant's physical database
type TenantRecord struct {
	BaseModel
	SoftDelete

	ClientID int64  `json:"clientId" db:"client_id"`
	Username string `json:"username,omitempty" db:"username"`
	Alias    string `json:"alias" db:"alias"`

	DBName string `json:"dbName" db:"db_name"`
	DBUser string `json:"dbUser" db:"db_user"`
	// DBPassword is ciphertext; it is never serialized
	DBPassword string `json:"-" db:"db_password"`
	DBHost     string `json:"dbHost" db:"db_host"`
	DBPort     int    `json:"dbPort" db:"db_port"`
	DBType     DBType `json:"dbType" db:"db_type"`
}

// AliasFor returns the routing alias for a tenant id.
func AliasFor(clientID int64) string {
	return AliasPrefix + strconv.FormatInt(clientID, 10)
}

// IsTenantAlias reports whether alias names a tenant database.
func IsTenantAlias(alias string) bool {
	return strings.HasPrefix(alias, AliasPrefix) && len(alias) > len(AliasPrefix)
}
