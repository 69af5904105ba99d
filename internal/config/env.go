// Package config bootstraps process configuration: secrets are pulled from
// AWS Secrets Manager into the environment first, then .env files fill in
// local-development values, and finally the typed Config is read from env.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/logging"
)

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then
// loads local .env files. Containers source secrets securely while local
// development keeps working from a checked-out .env.
func LoadEnv(defaultEnvPath string) {
	if err := loadAWSSecretsIntoEnv(); err != nil {
		logging.Warn("skipping AWS Secrets Manager load", zap.Error(err))
	}
	loadDotEnv(defaultEnvPath)
}

func loadDotEnv(defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(); err != nil {
			// Don't log if running in K8s/Docker where env is injected
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				logging.Info("no .env file found, using system environment", zap.String("path", envFile))
			}
		}
	}
}

func loadAWSSecretsIntoEnv() error {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	if secretID == "" {
		return nil
	}

	region := os.Getenv("AWS_SECRETS_MANAGER_REGION")
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	ctx := context.Background()
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return err
	}

	client := secretsmanager.NewFromConfig(cfg)
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	payload := ""
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}

	logging.Info("loaded env vars from AWS Secrets Manager",
		zap.String("secret_id", secretID),
		zap.Int("applied", applied),
	)
	return nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
