package walletcrypto

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ecashwallet/walletd/amount"
	"github.com/stretchr/testify/require"
)

func TestContractTermsSignature(t *testing.T) {
	t.Parallel()

	merchant, err := NewKeyPair()
	require.NoError(t, err)
	other, err := NewKeyPair()
	require.NoError(t, err)

	h := chainhash.HashH([]byte("contract"))

	sig, err := SignContractTerms(merchant.Priv, h)
	require.NoError(t, err)

	require.True(t, VerifyContractTerms(h, sig, merchant.Pub))
	require.False(t, VerifyContractTerms(h, sig, other.Pub))
	require.False(t, VerifyContractTerms(
		chainhash.HashH([]byte("other")), sig, merchant.Pub,
	))

	// A contract signature doesn't confirm a payment.
	require.False(t, VerifyPaymentOK(sig, h, merchant.Pub))

	paySig, err := SignPaymentOK(merchant.Priv, h)
	require.NoError(t, err)
	require.True(t, VerifyPaymentOK(paySig, h, merchant.Pub))

	require.False(t, VerifyContractTerms(h, "zz", merchant.Pub))
	require.False(t, VerifyContractTerms(h, sig, "00"))
}

func TestPublicFromPrivate(t *testing.T) {
	t.Parallel()

	kp, err := NewKeyPair()
	require.NoError(t, err)

	pub, err := PublicFromPrivate(kp.Priv)
	require.NoError(t, err)
	require.Equal(t, kp.Pub, pub)

	_, err = PublicFromPrivate("abcd")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDepositPermission(t *testing.T) {
	t.Parallel()

	coin, err := NewKeyPair()
	require.NoError(t, err)
	merchant, err := NewKeyPair()
	require.NoError(t, err)

	req := &DepositPermissionRequest{
		CoinPriv:          coin.Priv,
		CoinPub:           coin.Pub,
		ContractTermsHash: chainhash.HashH([]byte("contract")),
		DenomPubHash:      "denom",
		DenomSig:          "sig",
		ExchangeBaseURL:   "https://exchange.example.com/",
		FeeDeposit:        amount.MustParse("KUDOS:0.01"),
		MerchantPub:       merchant.Pub,
		RefundDeadline:    time.Unix(2000, 0),
		SpendAmount:       amount.MustParse("KUDOS:3"),
		Timestamp:         time.Unix(1000, 0),
		WireInfoHash:      "wire",
	}

	sig, err := SignDepositPermission(req)
	require.NoError(t, err)
	require.True(t, VerifyDepositPermission(req, sig))

	tampered := *req
	tampered.SpendAmount = amount.MustParse("KUDOS:4")
	require.False(t, VerifyDepositPermission(&tampered, sig))

	wrongKey := *req
	wrongKey.CoinPub = merchant.Pub
	_, err = SignDepositPermission(&wrongKey)
	require.ErrorIs(t, err, ErrInvalidKey)
}
