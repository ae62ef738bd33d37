package chain

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Wallet is a per-charge ephemeral keypair.
type Wallet struct {
	Address    string
	PrivKeyHex string
}

type KeyDeriver struct {
	XPrv    string
	Version byte
}

// Derive expects XPrv at path m/44'/5757'/0'/0 and derives child index i.
// The private key is hex encoded with the 0x01 compressed-key suffix.
func (d KeyDeriver) Derive(index uint32) (Wallet, error) {
	if d.XPrv == "" {
		return Wallet{}, errors.New("xprv is not configured")
	}
	if index >= hdkeychain.HardenedKeyStart {
		return Wallet{}, errors.New("derivation index out of range")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPrv)
	if err != nil {
		return Wallet{}, err
	}
	if !key.IsPrivate() {
		return Wallet{}, errors.New("extended key is not private")
	}
	child, err := key.Derive(index)
	if err != nil {
		return Wallet{}, err
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return Wallet{}, err
	}
	version := d.Version
	if version == 0 {
		version = VersionMainnet
	}
	return Wallet{
		Address:    AddressFromPubKey(version, priv.PubKey().SerializeCompressed()),
		PrivKeyHex: hex.EncodeToString(priv.Serialize()) + "01",
	}, nil
}

// AddressFromPrivKeyHex returns the p2pkh address that owns the given key.
func AddressFromPrivKeyHex(version byte, keyHex string) (string, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", err
	}
	switch {
	case len(raw) == 33 && raw[32] == 0x01:
		raw = raw[:32]
	case len(raw) != 32:
		return "", errors.New("private key must be 32 bytes (+01 suffix)")
	}
	_, pub := btcec.PrivKeyFromBytes(raw)
	return AddressFromPubKey(version, pub.SerializeCompressed()), nil
}
