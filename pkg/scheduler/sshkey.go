package scheduler

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ClusterSSHKeypair is the per-session keypair injected into every kernel of
// a multi-container cluster for intra-cluster SSH.
type ClusterSSHKeypair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// GenerateClusterSSHKeypair creates a fresh 2048-bit RSA keypair, private
// half PEM-encoded, public half in authorized_keys format.
func GenerateClusterSSHKeypair() (*ClusterSSHKeypair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &ClusterSSHKeypair{
		PrivateKey: string(privPEM),
		PublicKey:  string(ssh.MarshalAuthorizedKey(pub)),
	}, nil
}
