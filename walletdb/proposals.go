package walletdb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ecashwallet/walletd/contractterms"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	proposalTermsType       tlv.Type = 1
	proposalMerchantSigType tlv.Type = 3
	proposalRepurchaseType  tlv.Type = 5
)

// orderKey is the key of the proposal index.
func orderKey(merchantBaseURL, orderID string) []byte {
	key := make([]byte, 0, len(merchantBaseURL)+1+len(orderID))
	key = append(key, merchantBaseURL...)
	key = append(key, 0)

	return append(key, orderID...)
}

// encodeDownload returns the trailer fields of a download.
func encodeDownload(d *ProposalDownload) ([]byte, []byte) {
	if d == nil {
		return nil, nil
	}

	return d.ContractTermsRaw, []byte(d.ContractData.MerchantSig)
}

// decodeDownload rebuilds a download from the stored terms and signature.
func decodeDownload(terms, sig []byte) (*ProposalDownload, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	cd, err := contractterms.Extract(terms, string(sig))
	if err != nil {
		return nil, fmt.Errorf("stored contract terms: %w", err)
	}

	return &ProposalDownload{
		ContractTermsRaw: terms,
		ContractData:     cd,
	}, nil
}

func serializeProposal(w io.Writer, p *Proposal) error {
	err := WriteElements(w,
		p.ProposalID, p.OrderID, p.MerchantBaseURL, p.NoncePriv,
		p.NoncePub, p.ClaimToken, p.DownloadSessionID, p.Status,
		p.Timestamp, p.Retry, p.LastError,
	)
	if err != nil {
		return err
	}

	terms, sig := encodeDownload(p.Download)
	repurchase := []byte(p.RepurchaseProposalID)

	return writeTLV(w,
		tlvField{proposalTermsType, &terms},
		tlvField{proposalMerchantSigType, &sig},
		tlvField{proposalRepurchaseType, &repurchase},
	)
}

func deserializeProposal(r io.Reader) (*Proposal, error) {
	p := &Proposal{}
	err := ReadElements(r,
		&p.ProposalID, &p.OrderID, &p.MerchantBaseURL, &p.NoncePriv,
		&p.NoncePub, &p.ClaimToken, &p.DownloadSessionID, &p.Status,
		&p.Timestamp, &p.Retry, &p.LastError,
	)
	if err != nil {
		return nil, err
	}

	var terms, sig, repurchase []byte
	err = readTLV(r,
		tlvField{proposalTermsType, &terms},
		tlvField{proposalMerchantSigType, &sig},
		tlvField{proposalRepurchaseType, &repurchase},
	)
	if err != nil {
		return nil, err
	}

	p.RepurchaseProposalID = string(repurchase)
	p.Download, err = decodeDownload(terms, sig)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// PutProposalTx stores a proposal and indexes it by merchant and order id.
func PutProposalTx(tx kvdb.RwTx, p *Proposal) error {
	bucket := tx.ReadWriteBucket(proposalBucket)
	index := tx.ReadWriteBucket(proposalIndexBucket)
	if bucket == nil || index == nil {
		return ErrLedgerNotInitialized
	}

	var b bytes.Buffer
	if err := serializeProposal(&b, p); err != nil {
		return err
	}

	if err := bucket.Put([]byte(p.ProposalID), b.Bytes()); err != nil {
		return err
	}

	return index.Put(
		orderKey(p.MerchantBaseURL, p.OrderID), []byte(p.ProposalID),
	)
}

// FetchProposalTx returns the proposal with the given id.
func FetchProposalTx(tx kvdb.RTx, proposalID string) (*Proposal, error) {
	bucket := tx.ReadBucket(proposalBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	v := bucket.Get([]byte(proposalID))
	if v == nil {
		return nil, ErrProposalNotFound
	}

	return deserializeProposal(bytes.NewReader(v))
}

// FetchProposalByOrderTx returns the latest proposal for an order of a
// merchant.
func FetchProposalByOrderTx(tx kvdb.RTx, merchantBaseURL,
	orderID string) (*Proposal, error) {

	index := tx.ReadBucket(proposalIndexBucket)
	if index == nil {
		return nil, ErrLedgerNotInitialized
	}

	id := index.Get(orderKey(merchantBaseURL, orderID))
	if id == nil {
		return nil, ErrProposalNotFound
	}

	return FetchProposalTx(tx, string(id))
}

// ForAllProposalsTx calls cb for every proposal.
func ForAllProposalsTx(tx kvdb.RTx, cb func(*Proposal) error) error {
	bucket := tx.ReadBucket(proposalBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	return bucket.ForEach(func(_, v []byte) error {
		p, err := deserializeProposal(bytes.NewReader(v))
		if err != nil {
			return err
		}

		return cb(p)
	})
}

// PutProposal stores a proposal.
func (d *DB) PutProposal(p *Proposal) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutProposalTx(tx, p)
	}, func() {})
}

// FetchProposal returns the proposal with the given id.
func (d *DB) FetchProposal(proposalID string) (*Proposal, error) {
	var p *Proposal
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		p, err = FetchProposalTx(tx, proposalID)

		return err
	}, func() {
		p = nil
	})

	return p, err
}

// FetchProposalByOrder returns the latest proposal for an order.
func (d *DB) FetchProposalByOrder(merchantBaseURL,
	orderID string) (*Proposal, error) {

	var p *Proposal
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		p, err = FetchProposalByOrderTx(tx, merchantBaseURL, orderID)

		return err
	}, func() {
		p = nil
	})

	return p, err
}

// FetchAllProposals returns every proposal.
func (d *DB) FetchAllProposals() ([]*Proposal, error) {
	var proposals []*Proposal
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return ForAllProposalsTx(tx, func(p *Proposal) error {
			proposals = append(proposals, p)
			return nil
		})
	}, func() {
		proposals = nil
	})

	return proposals, err
}
