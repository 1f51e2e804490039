package bftsig

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/bftnetwork/bftd/bftwire"
)

var (
	// ErrUnknownSigner is returned when a signature names a replica id
	// with no registered public key.
	ErrUnknownSigner = fmt.Errorf("unknown signer id")

	// ErrInvalidSignature is returned when a signature fails validation
	// against the signer's registered key.
	ErrInvalidSignature = fmt.Errorf("invalid signature")

	// ErrKeyExists is returned when a public key is registered twice for
	// the same replica id. Keys are write-once at startup.
	ErrKeyExists = fmt.Errorf("public key already registered")

	// ErrNoPrivateKey is returned when a verify-only ring is asked to
	// sign.
	ErrNoPrivateKey = fmt.Errorf("keyring has no private key")
)

// KeyRing holds this replica's identity key and the write-once set of peer
// public keys. It implements both bftwire.Signer and bftwire.Verifier. The
// ring is safe for concurrent use: registration happens once at startup,
// sign/verify afterwards from any worker.
type KeyRing struct {
	nodeID uint32
	priv   *btcec.PrivateKey

	mtx  sync.RWMutex
	pubs map[uint32]*btcec.PublicKey
}

// A compile time check to ensure KeyRing implements the wire capabilities.
var _ bftwire.Signer = (*KeyRing)(nil)
var _ bftwire.Verifier = (*KeyRing)(nil)

// NewKeyRing creates a ring for the given replica identity. priv may be nil
// for verify-only rings (e.g. thin clients that only check responses).
func NewKeyRing(nodeID uint32, priv *btcec.PrivateKey) *KeyRing {
	k := &KeyRing{
		nodeID: nodeID,
		priv:   priv,
		pubs:   make(map[uint32]*btcec.PublicKey),
	}
	if priv != nil {
		k.pubs[nodeID] = priv.PubKey()
	}
	return k
}

// NodeID returns the replica id this ring signs as.
func (k *KeyRing) NodeID() uint32 {
	return k.nodeID
}

// AddPublicKey registers a peer's public key. Registration is write-once;
// re-registering the same id fails.
func (k *KeyRing) AddPublicKey(id uint32, pub *btcec.PublicKey) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if existing, ok := k.pubs[id]; ok {
		// Re-registering the identical key is harmless.
		if existing.IsEqual(pub) {
			return nil
		}
		return ErrKeyExists
	}
	k.pubs[id] = pub
	return nil
}

// SignMessage signs the SHA-256 digest of msg with the ring's private key.
//
// This is part of the bftwire.Signer interface.
func (k *KeyRing) SignMessage(msg []byte) (*bftwire.Signature, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}

	digest := chainhash.HashB(msg)
	sig := ecdsa.Sign(k.priv, digest[:])

	return &bftwire.Signature{
		SignerID: k.nodeID,
		Sig:      sig.Serialize(),
		HashType: bftwire.HashTypeSHA256,
	}, nil
}

// VerifyMessage validates sig over msg against the registered key of
// sig.SignerID.
//
// This is part of the bftwire.Verifier interface.
func (k *KeyRing) VerifyMessage(msg []byte, sig *bftwire.Signature) error {
	if sig == nil || sig.IsEmpty() {
		return ErrInvalidSignature
	}

	k.mtx.RLock()
	pub, ok := k.pubs[sig.SignerID]
	k.mtx.RUnlock()
	if !ok {
		return ErrUnknownSigner
	}

	parsed, err := ecdsa.ParseDERSignature(sig.Sig)
	if err != nil {
		return fmt.Errorf("unable to parse signature from "+
			"%d: %v", sig.SignerID, err)
	}

	digest := chainhash.HashB(msg)
	if !parsed.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

// LoadPrivateKey reads a hex-encoded secp256k1 private key from path.
func LoadPrivateKey(path string) (*btcec.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode private key "+
			"%v: %v", path, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	return priv, nil
}

// LoadCert reads a hex-encoded compressed secp256k1 public key from path.
// The binding of the key to a replica id lives in the replica config that
// names the file.
func LoadCert(path string) (*btcec.PublicKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode cert %v: %v",
			path, err)
	}
	return btcec.ParsePubKey(keyBytes)
}
