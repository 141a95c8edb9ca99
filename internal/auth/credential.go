// Package auth builds the Azure token credential used for ARM calls.
package auth

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// Credential modes.
const (
	ModeDefault         = "default"
	ModeManagedIdentity = "managed-identity"
)

// NewCredential returns a token credential for mode. clientID selects a
// user-assigned identity and is ignored by the default chain, which reads
// AZURE_CLIENT_ID itself.
func NewCredential(mode, clientID string) (azcore.TokenCredential, error) {
	switch mode {
	case ModeDefault, "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default azure credential: %w", err)
		}
		return cred, nil
	case ModeManagedIdentity:
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if clientID != "" {
			opts.ID = azidentity.ClientID(clientID)
		}
		cred, err := azidentity.NewManagedIdentityCredential(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		return cred, nil
	default:
		return nil, fmt.Errorf("unsupported credential mode %q", mode)
	}
}
