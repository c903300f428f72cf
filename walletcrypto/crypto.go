package walletcrypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ecashwallet/walletd/amount"
)

var (
	// tagContractTerms domain separates the merchant's signature over
	// the contract terms hash.
	tagContractTerms = []byte("walletd/merchant-contract")

	// tagPaymentOK domain separates the merchant's confirmation that a
	// payment was accepted.
	tagPaymentOK = []byte("walletd/merchant-payment-ok")

	// tagDepositPermission domain separates a coin's deposit permission.
	tagDepositPermission = []byte("walletd/wallet-coin-deposit")
)

// ErrInvalidKey is returned when a key can't be decoded.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a hex encoded private and x-only public key.
type KeyPair struct {
	Priv string
	Pub  string
}

// NewKeyPair creates a random key pair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	pub := schnorr.SerializePubKey(priv.PubKey())

	return &KeyPair{
		Priv: hex.EncodeToString(priv.Serialize()),
		Pub:  hex.EncodeToString(pub),
	}, nil
}

// PublicFromPrivate derives the public key of a hex encoded private key.
func PublicFromPrivate(privHex string) (string, error) {
	priv, err := parsePriv(privHex)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

func parsePriv(privHex string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil || len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key", ErrInvalidKey)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)

	return priv, nil
}

func parsePub(pubHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}

	return pub, nil
}

func sign(privHex string, msg *chainhash.Hash) (string, error) {
	priv, err := parsePriv(privHex)
	if err != nil {
		return "", err
	}

	sig, err := schnorr.Sign(priv, msg[:])
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

func verify(sigHex string, msg *chainhash.Hash, pubHex string) bool {
	pub, err := parsePub(pubHex)
	if err != nil {
		return false
	}

	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(b)
	if err != nil {
		return false
	}

	return sig.Verify(msg[:], pub)
}

// SignContractTerms signs the contract terms hash with the merchant key.
func SignContractTerms(merchantPriv string, h chainhash.Hash) (string,
	error) {

	return sign(merchantPriv, chainhash.TaggedHash(tagContractTerms, h[:]))
}

// VerifyContractTerms checks the merchant's signature over the contract
// terms hash.
func VerifyContractTerms(h chainhash.Hash, sig, merchantPub string) bool {
	return verify(
		sig, chainhash.TaggedHash(tagContractTerms, h[:]), merchantPub,
	)
}

// SignPaymentOK signs the merchant's confirmation of a payment.
func SignPaymentOK(merchantPriv string, h chainhash.Hash) (string, error) {
	return sign(merchantPriv, chainhash.TaggedHash(tagPaymentOK, h[:]))
}

// VerifyPaymentOK checks the merchant's confirmation of a payment for the
// contract terms hash.
func VerifyPaymentOK(sig string, h chainhash.Hash, merchantPub string) bool {
	msg := chainhash.TaggedHash(tagPaymentOK, h[:])

	return verify(sig, msg, merchantPub)
}

// DepositPermissionRequest is everything a coin's deposit permission binds.
type DepositPermissionRequest struct {
	CoinPriv          string
	CoinPub           string
	ContractTermsHash chainhash.Hash
	DenomPubHash      string
	DenomSig          string
	ExchangeBaseURL   string
	FeeDeposit        amount.Amount
	MerchantPub       string
	RefundDeadline    time.Time
	SpendAmount       amount.Amount
	Timestamp         time.Time
	WireInfoHash      string
}

// digest serializes the bound fields and hashes them.
func (r *DepositPermissionRequest) digest() (*chainhash.Hash, error) {
	var b bytes.Buffer

	writeStr := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		b.Write(l[:])
		b.WriteString(s)
	}
	writeTime := func(t time.Time) {
		var v [8]byte
		if !t.IsZero() {
			binary.BigEndian.PutUint64(v[:], uint64(t.UnixMilli()))
		}
		b.Write(v[:])
	}

	b.Write(r.ContractTermsHash[:])
	writeStr(r.WireInfoHash)
	writeStr(r.DenomPubHash)
	writeStr(r.CoinPub)
	writeStr(r.MerchantPub)
	writeStr(r.ExchangeBaseURL)
	writeTime(r.Timestamp)
	writeTime(r.RefundDeadline)
	if err := r.SpendAmount.Encode(&b); err != nil {
		return nil, err
	}
	if err := r.FeeDeposit.Encode(&b); err != nil {
		return nil, err
	}

	return chainhash.TaggedHash(tagDepositPermission, b.Bytes()), nil
}

// SignDepositPermission signs the deposit permission with the coin's key.
func SignDepositPermission(req *DepositPermissionRequest) (string, error) {
	pub, err := PublicFromPrivate(req.CoinPriv)
	if err != nil {
		return "", err
	}
	if pub != req.CoinPub {
		return "", fmt.Errorf("%w: coin key pair mismatch",
			ErrInvalidKey)
	}

	msg, err := req.digest()
	if err != nil {
		return "", err
	}

	return sign(req.CoinPriv, msg)
}

// VerifyDepositPermission checks a coin signature as an exchange would.
func VerifyDepositPermission(req *DepositPermissionRequest, sig string) bool {
	msg, err := req.digest()
	if err != nil {
		return false
	}

	return verify(sig, msg, req.CoinPub)
}
