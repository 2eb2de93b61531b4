package security

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"PluginRuntime/pkg/plugin"
)

// ErrUntrustedSigner is returned when a signature recovers to an address
// outside the trusted set.
var ErrUntrustedSigner = errors.New("signature not issued by a trusted signer")

// Digest is the Keccak-256 hash of the signed metadata fields. Permissions
// are sorted so that ordering does not change the digest.
func Digest(meta plugin.Metadata) []byte {
	perms := slices.Clone(meta.Permissions)
	slices.Sort(perms)
	payload := strings.Join([]string{
		"plugin-metadata/v1",
		meta.ID,
		meta.Name,
		meta.Version,
		meta.Author,
		strings.Join(perms, ","),
	}, "\n")
	return crypto.Keccak256([]byte(payload))
}

// Sign produces the hex encoded secp256k1 signature for meta.
func Sign(meta plugin.Metadata, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(Digest(meta), key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// SignatureVerifier checks metadata signatures against trusted signer addresses.
type SignatureVerifier struct {
	trusted []common.Address
}

// NewSignatureVerifier parses hex signer addresses.
func NewSignatureVerifier(signers []string) (*SignatureVerifier, error) {
	v := &SignatureVerifier{}
	for _, s := range signers {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid signer address %q", s)
		}
		v.trusted = append(v.trusted, common.HexToAddress(s))
	}
	return v, nil
}

// Enabled reports whether any trusted signer is configured.
func (v *SignatureVerifier) Enabled() bool {
	return v != nil && len(v.trusted) > 0
}

// Verify recovers the signer of meta.Signature and checks it is trusted.
func (v *SignatureVerifier) Verify(meta plugin.Metadata) (common.Address, error) {
	sig, err := hexutil.Decode(meta.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = slices.Clone(sig)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(meta), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	if !slices.Contains(v.trusted, addr) {
		return addr, ErrUntrustedSigner
	}
	return addr, nil
}
