// SPDX-License-Identifier: Apache-2.0

// Package auth builds Azure credentials for the configured authentication mode.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/jllopis/secopilot/pkg/config"
	"github.com/jllopis/secopilot/pkg/errors"
)

// Authentication modes.
const (
	TypeInteractive  = "interactive"
	TypeClientSecret = "client_secret"
	TypeDefault      = "default"
)

// NewCredential returns the credential for cfg.Type.
func NewCredential(cfg config.AuthConfig) (azcore.TokenCredential, error) {
	switch cfg.Type {
	case TypeInteractive, "":
		cred, err := azidentity.NewInteractiveBrowserCredential(&azidentity.InteractiveBrowserCredentialOptions{
			TenantID: cfg.TenantID,
			ClientID: cfg.ClientID,
		})
		if err != nil {
			return nil, errors.New(errors.CodeUnauthorized, "create interactive browser credential", err)
		}
		return cred, nil
	case TypeClientSecret:
		for param, value := range map[string]string{
			"auth.tenant_id":     cfg.TenantID,
			"auth.client_id":     cfg.ClientID,
			"auth.client_secret": cfg.ClientSecret,
		} {
			if value == "" {
				return nil, errors.Missing(param).WithContext("auth_type", cfg.Type)
			}
		}
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, errors.New(errors.CodeUnauthorized, "create client secret credential", err)
		}
		return cred, nil
	case TypeDefault:
		cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: cfg.TenantID,
		})
		if err != nil {
			return nil, errors.New(errors.CodeUnauthorized, "create default azure credential", err)
		}
		return cred, nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unsupported auth type %q", cfg.Type), nil)
	}
}

// Warmup requests one token for scope so that interactive sign-in happens at
// start-up rather than on the first tool call. A failure is logged, not fatal.
func Warmup(ctx context.Context, cred azcore.TokenCredential, scope string, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		logger.Warn("authentication warm-up failed; tools will retry on demand", "scope", scope, "error", err)
		return errors.New(errors.CodeUnauthorized, "token warm-up failed", err)
	}
	logger.Info("authentication successful", "scope", scope, "expires_on", tok.ExpiresOn)
	return nil
}
