// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package secrets resolves a host's ssh_secret_ref into connection
// credentials, decrypting the sealed ciphertext with the control plane's
// master passphrase.
package secrets

import (
	"context"
	"time"

	"xraycp/internal/apperr"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	pkgcrypto "xraycp/pkg/crypto"
	"xraycp/pkg/xraycp"
)

// Vault resolves and seals SSH credentials for hosts.
type Vault struct {
	store     *store.Store
	encryptor *pkgcrypto.Encryptor
}

// NewVault builds a Vault sealed with passphrase (see pkg/crypto for the
// AES-256-GCM/PBKDF2 scheme).
func NewVault(s *store.Store, passphrase string) (*Vault, error) {
	enc, err := pkgcrypto.NewEncryptor(passphrase)
	if err != nil {
		return nil, err
	}
	return &Vault{store: s, encryptor: enc}, nil
}

// Put seals plaintext and stores it under id.
func (v *Vault) Put(ctx context.Context, id string, kind xraycp.SecretKind, plaintext string) error {
	ciphertext, err := v.encryptor.Encrypt(plaintext)
	if err != nil {
		return apperr.New(apperr.KindSecretDecrypt, id, err)
	}
	return v.store.PutSecret(ctx, xraycp.Secret{ID: id, Kind: kind, Ciphertext: ciphertext, CreatedAt: time.Now().UTC()})
}

// Resolve fetches and decrypts secretRef, returning a partially-populated
// sshexec.Target (Host/User are filled in by the caller from the Host
// record). Returns apperr.KindSecretNotFound / apperr.KindSecretDecrypt on
// failure, per the closed error set.
func (v *Vault) Resolve(ctx context.Context, secretRef string) (sshexec.Target, error) {
	secret, err := v.store.GetSecret(ctx, secretRef)
	if err != nil {
		return sshexec.Target{}, err
	}
	plaintext, err := v.encryptor.Decrypt(secret.Ciphertext)
	if err != nil {
		return sshexec.Target{}, apperr.New(apperr.KindSecretDecrypt, secretRef, err)
	}

	switch secret.Kind {
	case xraycp.SecretKindPrivateKey:
		return sshexec.Target{PrivateKeyPEM: plaintext}, nil
	default:
		return sshexec.Target{Password: plaintext}, nil
	}
}
