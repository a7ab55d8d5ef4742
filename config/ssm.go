package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// parameterLookup is swapped out in tests.
var parameterLookup = getParameterStoreValue

func getParameterStoreValue(parameterName string, decrypt bool) string {
	baseCtx := context.Background()
	ctxWithTimeout, cancel := context.WithTimeout(baseCtx, 5*time.Second)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := client.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return ""
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return ""
	}

	return *result.Parameter.Value
}

// ResolveSecrets fills the provider credentials from Parameter Store when
// running in prod. Values already set (e.g. from the environment) win.
func (c *Config) ResolveSecrets() error {
	if c.Env != "prod" {
		return nil
	}
	if c.Provider.Key == "" {
		c.Provider.Key = parameterLookup(c.Provider.KeyParam, true)
	}
	if c.Provider.Secret == "" {
		c.Provider.Secret = parameterLookup(c.Provider.SecretParam, true)
	}
	if c.Provider.Key == "" || c.Provider.Secret == "" {
		return fmt.Errorf("provider credentials not found in parameter store (%s, %s)",
			c.Provider.KeyParam, c.Provider.SecretParam)
	}
	return nil
}
