package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog/log"
)

// encryptionKeyField is the field read from JSON secrets.
const encryptionKeyField = "DB_ENCRYPTION_KEY"

// SecretGetter is the subset of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManagerClient creates a client from the default AWS credential
// chain.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

// FetchEncryptionKey reads the vault key stored under arn. The secret is
// either JSON with a DB_ENCRYPTION_KEY field or the raw key.
func FetchEncryptionKey(ctx context.Context, client SecretGetter, arn string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", maskARN(arn), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	raw := strings.TrimSpace(*out.SecretString)
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		key := strings.TrimSpace(fields[encryptionKeyField])
		if key == "" {
			return "", fmt.Errorf("secret %s has no %s field", maskARN(arn), encryptionKeyField)
		}
		return key, nil
	}
	if raw == "" {
		return "", fmt.Errorf("secret %s is empty", maskARN(arn))
	}
	return raw, nil
}

// LoadSecrets fills Security.EncryptionKey from Secrets Manager when an ARN
// is configured and no key was given directly.
func (c *Config) LoadSecrets(ctx context.Context, client SecretGetter) error {
	arn := c.Security.EncryptionKeySecretARN
	if arn == "" || c.Security.EncryptionKey != "" {
		return nil
	}

	key, err := FetchEncryptionKey(ctx, client, arn)
	if err != nil {
		return err
	}
	c.Security.EncryptionKey = key

	log.Info().Str("secret", maskARN(arn)).Msg("Encryption key loaded from Secrets Manager")
	return nil
}

func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
