package walletdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ecashwallet/walletd/merchant"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	purchaseTermsType       tlv.Type = 1
	purchaseMerchantSigType tlv.Type = 3
	purchaseDepositPermType tlv.Type = 5
)

func refundKey(coinPub string, rtxID uint64) string {
	return fmt.Sprintf("%s-%d", coinPub, rtxID)
}

func serializePurchase(w io.Writer, p *Purchase) error {
	sel := &p.PayCoinSelection
	err := WriteElements(w,
		p.ProposalID, p.PayCoinSelectionUID, p.TotalPayCost,
		p.AbortStatus, p.PayRetry, p.RefundStatusRetry,
		p.MerchantPaySig, p.LastSessionID, p.PaymentSubmitPending,
		p.PayFrozen, p.RefundQueryRequested, p.AutoRefundDeadline,
		p.LastPayError, p.TimestampAccept,
		p.TimestampFirstSuccessfulPay,

		sel.PaymentAmount, sel.CoinPubs, sel.CoinContributions,
		sel.CustomerWireFees, sel.CustomerDepositFees,
	)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(p.Refunds))
	for k := range p.Refunds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := WriteElement(w, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		r := p.Refunds[k]
		err := WriteElements(w,
			r.CoinPub, r.RTransactionID, r.Amount, r.ExecutionTime,
			r.Status,
		)
		if err != nil {
			return err
		}
	}

	terms, sig := encodeDownload(p.Download)

	var perms []byte
	if p.CoinDepositPermissions != nil {
		perms, err = json.Marshal(p.CoinDepositPermissions)
		if err != nil {
			return err
		}
	}

	return writeTLV(w,
		tlvField{purchaseTermsType, &terms},
		tlvField{purchaseMerchantSigType, &sig},
		tlvField{purchaseDepositPermType, &perms},
	)
}

func deserializePurchase(v []byte) (*Purchase, error) {
	r := bytes.NewReader(v)

	p := &Purchase{}
	sel := &p.PayCoinSelection
	err := ReadElements(r,
		&p.ProposalID, &p.PayCoinSelectionUID, &p.TotalPayCost,
		&p.AbortStatus, &p.PayRetry, &p.RefundStatusRetry,
		&p.MerchantPaySig, &p.LastSessionID, &p.PaymentSubmitPending,
		&p.PayFrozen, &p.RefundQueryRequested, &p.AutoRefundDeadline,
		&p.LastPayError, &p.TimestampAccept,
		&p.TimestampFirstSuccessfulPay,

		&sel.PaymentAmount, &sel.CoinPubs, &sel.CoinContributions,
		&sel.CustomerWireFees, &sel.CustomerDepositFees,
	)
	if err != nil {
		return nil, err
	}

	var numRefunds uint32
	if err := ReadElement(r, &numRefunds); err != nil {
		return nil, err
	}

	p.Refunds = make(map[string]*Refund, numRefunds)
	for i := uint32(0); i < numRefunds; i++ {
		ref := &Refund{}
		err := ReadElements(r,
			&ref.CoinPub, &ref.RTransactionID, &ref.Amount,
			&ref.ExecutionTime, &ref.Status,
		)
		if err != nil {
			return nil, err
		}
		p.Refunds[ref.RefundKey()] = ref
	}

	var terms, sig, perms []byte
	err = readTLV(r,
		tlvField{purchaseTermsType, &terms},
		tlvField{purchaseMerchantSigType, &sig},
		tlvField{purchaseDepositPermType, &perms},
	)
	if err != nil {
		return nil, err
	}

	p.Download, err = decodeDownload(terms, sig)
	if err != nil {
		return nil, err
	}
	if p.Download == nil {
		return nil, fmt.Errorf("purchase %s without contract terms",
			p.ProposalID)
	}

	if len(perms) > 0 {
		var dps []merchant.CoinDepositPermission
		if err := json.Unmarshal(perms, &dps); err != nil {
			return nil, err
		}
		p.CoinDepositPermissions = dps
	}

	return p, nil
}

// IndexableFulfillmentURL reports whether purchases with the URL are
// checked for repurchases.
func IndexableFulfillmentURL(url string) bool {
	return strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://")
}

// PutPurchaseTx stores a purchase. The first purchase of a fulfillment URL
// is indexed for repurchase detection.
func PutPurchaseTx(tx kvdb.RwTx, p *Purchase) error {
	bucket := tx.ReadWriteBucket(purchaseBucket)
	index := tx.ReadWriteBucket(fulfillmentIndexBucket)
	if bucket == nil || index == nil {
		return ErrLedgerNotInitialized
	}
	if p.Download == nil || p.Download.ContractData == nil {
		return fmt.Errorf("purchase %s without contract terms",
			p.ProposalID)
	}

	var b bytes.Buffer
	if err := serializePurchase(&b, p); err != nil {
		return err
	}

	if err := bucket.Put([]byte(p.ProposalID), b.Bytes()); err != nil {
		return err
	}

	url := p.Download.ContractData.FulfillmentURL
	if !IndexableFulfillmentURL(url) || index.Get([]byte(url)) != nil {
		return nil
	}

	return index.Put([]byte(url), []byte(p.ProposalID))
}

// FetchPurchaseTx returns the purchase of a proposal.
func FetchPurchaseTx(tx kvdb.RTx, proposalID string) (*Purchase, error) {
	bucket := tx.ReadBucket(purchaseBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	v := bucket.Get([]byte(proposalID))
	if v == nil {
		return nil, ErrPurchaseNotFound
	}

	return deserializePurchase(v)
}

// FetchPurchaseByFulfillmentURLTx returns the first purchase made for a
// fulfillment URL.
func FetchPurchaseByFulfillmentURLTx(tx kvdb.RTx,
	url string) (*Purchase, error) {

	index := tx.ReadBucket(fulfillmentIndexBucket)
	if index == nil {
		return nil, ErrLedgerNotInitialized
	}

	id := index.Get([]byte(url))
	if id == nil {
		return nil, ErrPurchaseNotFound
	}

	return FetchPurchaseTx(tx, string(id))
}

// ForAllPurchasesTx calls cb for every purchase.
func ForAllPurchasesTx(tx kvdb.RTx, cb func(*Purchase) error) error {
	bucket := tx.ReadBucket(purchaseBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	return bucket.ForEach(func(_, v []byte) error {
		p, err := deserializePurchase(v)
		if err != nil {
			return err
		}

		return cb(p)
	})
}

// PutPurchase stores a purchase.
func (d *DB) PutPurchase(p *Purchase) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutPurchaseTx(tx, p)
	}, func() {})
}

// FetchPurchase returns the purchase of a proposal.
func (d *DB) FetchPurchase(proposalID string) (*Purchase, error) {
	var p *Purchase
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		p, err = FetchPurchaseTx(tx, proposalID)

		return err
	}, func() {
		p = nil
	})

	return p, err
}

// FetchPurchaseByFulfillmentURL returns the first purchase made for a
// fulfillment URL.
func (d *DB) FetchPurchaseByFulfillmentURL(url string) (*Purchase, error) {
	var p *Purchase
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		p, err = FetchPurchaseByFulfillmentURLTx(tx, url)

		return err
	}, func() {
		p = nil
	})

	return p, err
}

// FetchAllPurchases returns every purchase.
func (d *DB) FetchAllPurchases() ([]*Purchase, error) {
	var purchases []*Purchase
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return ForAllPurchasesTx(tx, func(p *Purchase) error {
			purchases = append(purchases, p)
			return nil
		})
	}, func() {
		purchases = nil
	})

	return purchases, err
}
