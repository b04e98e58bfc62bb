package platform

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/ceiling"
	"github.com/avaropoint/agentvault/internal/credentials"
	"github.com/avaropoint/agentvault/internal/groupvault"
	"github.com/avaropoint/agentvault/internal/vault"
)

// StoreSecret stores a tenant secret on behalf of principal, who needs Write.
func (p *Platform) StoreSecret(ctx context.Context, principal string, req vault.StoreRequest) (vault.Entry, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return vault.Entry{}, err
	}
	return p.Vault.Store(ctx, req)
}

// RevealSecret opens a tenant secret for principal, who needs Read.
func (p *Platform) RevealSecret(principal, id string) ([]byte, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Read); err != nil {
		return nil, err
	}
	plaintext, err := p.Vault.GetDecrypted(id)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"principal": principal, "entry_id": id}).Info("Secret revealed")
	return plaintext, nil
}

// DeleteSecret removes a tenant secret for principal, who needs Write.
func (p *Platform) DeleteSecret(ctx context.Context, principal, id string) error {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return err
	}
	return p.Vault.Delete(ctx, id)
}

// StoreCredential stores one of the agent's own credentials; principal needs
// Write.
func (p *Platform) StoreCredential(ctx context.Context, principal string, c credentials.Credential) error {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return err
	}
	return p.Credentials.StoreCredential(ctx, c)
}

// CreateGroupSecret creates a gated group secret with principal as creator.
func (p *Platform) CreateGroupSecret(ctx context.Context, principal, groupID, name string, value []byte, threshold int) (groupvault.Entry, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return groupvault.Entry{}, err
	}
	return p.Groups.Create(ctx, groupID, name, value, principal, threshold)
}

// ApproveGroupSecret records principal's approval.
func (p *Platform) ApproveGroupSecret(ctx context.Context, principal, entryID string) (bool, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return false, err
	}
	return p.Groups.Approve(ctx, entryID, principal)
}

// RevealGroupSecret opens an unlocked group secret for principal.
func (p *Platform) RevealGroupSecret(principal, entryID string) ([]byte, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Read); err != nil {
		return nil, err
	}
	return p.Groups.Reveal(entryID)
}

// RotateIdentity rotates the agent identity; principal needs Admin.
func (p *Platform) RotateIdentity(ctx context.Context, principal string) (credentials.PublicIdentity, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Admin); err != nil {
		return credentials.PublicIdentity{}, err
	}
	return p.Credentials.RotateIdentity(ctx, p.Rotation)
}

// InitIdentity creates the agent identity on first use; principal needs
// Write.
func (p *Platform) InitIdentity(ctx context.Context, principal string) (credentials.PublicIdentity, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return credentials.PublicIdentity{}, err
	}
	return p.Credentials.EnsureIdentity(ctx, p.Rotation)
}

// RevealCredential opens one of the agent's credentials for principal, who
// needs Read.
func (p *Platform) RevealCredential(principal, name string) (credentials.Credential, error) {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Read); err != nil {
		return credentials.Credential{}, err
	}
	c, err := p.Credentials.GetCredential(name)
	if err != nil {
		return credentials.Credential{}, err
	}
	p.log.WithFields(logrus.Fields{"principal": principal, "name": name}).Info("Credential revealed")
	return c, nil
}

// RemoveCredential removes one of the agent's credentials; principal needs
// Write.
func (p *Platform) RemoveCredential(ctx context.Context, principal, name string) error {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return err
	}
	return p.Credentials.RemoveCredential(ctx, name)
}

// DeleteGroupSecret removes a group secret; principal needs Write.
func (p *Platform) DeleteGroupSecret(ctx context.Context, principal, entryID string) error {
	if err := p.Ceilings.CheckPermission(principal, ceiling.Write); err != nil {
		return err
	}
	return p.Groups.Delete(ctx, entryID)
}
