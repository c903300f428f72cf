package walletdb

import (
	"bytes"
	"io"
	"sort"

	"github.com/lightningnetwork/lnd/kvdb"
)

func serializeExchange(w io.Writer, e *Exchange) error {
	err := WriteElements(w,
		e.BaseURL, e.MasterPublicKey, e.Currency, e.LastUpdate,
		uint32(len(e.Auditors)),
	)
	if err != nil {
		return err
	}

	for _, a := range e.Auditors {
		err := WriteElements(w, a.AuditorBaseURL, a.AuditorPub)
		if err != nil {
			return err
		}
	}

	methods := make([]string, 0, len(e.WireFees))
	for m := range e.WireFees {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	if err := WriteElement(w, uint32(len(methods))); err != nil {
		return err
	}
	for _, m := range methods {
		fees := e.WireFees[m]
		if err := WriteElements(w, m, uint32(len(fees))); err != nil {
			return err
		}
		for _, f := range fees {
			err := WriteElements(w,
				f.WireFee, f.ClosingFee, f.StartStamp,
				f.EndStamp, f.Sig,
			)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func deserializeExchange(r io.Reader) (*Exchange, error) {
	e := &Exchange{}

	var numAuditors uint32
	err := ReadElements(r,
		&e.BaseURL, &e.MasterPublicKey, &e.Currency, &e.LastUpdate,
		&numAuditors,
	)
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < numAuditors; i++ {
		var a AuditorInfo
		err := ReadElements(r, &a.AuditorBaseURL, &a.AuditorPub)
		if err != nil {
			return nil, err
		}
		e.Auditors = append(e.Auditors, a)
	}

	var numMethods uint32
	if err := ReadElement(r, &numMethods); err != nil {
		return nil, err
	}

	e.WireFees = make(map[string][]WireFee, numMethods)
	for i := uint32(0); i < numMethods; i++ {
		var (
			method  string
			numFees uint32
		)
		if err := ReadElements(r, &method, &numFees); err != nil {
			return nil, err
		}

		fees := make([]WireFee, 0, min(numFees, 1024))
		for j := uint32(0); j < numFees; j++ {
			var f WireFee
			err := ReadElements(r,
				&f.WireFee, &f.ClosingFee, &f.StartStamp,
				&f.EndStamp, &f.Sig,
			)
			if err != nil {
				return nil, err
			}
			fees = append(fees, f)
		}
		e.WireFees[method] = fees
	}

	return e, nil
}

func serializeDenomination(w io.Writer, d *Denomination) error {
	return WriteElements(w,
		d.ExchangeBaseURL, d.DenomPubHash, d.DenomPub,
		d.Value, d.FeeWithdraw, d.FeeDeposit, d.FeeRefresh, d.FeeRefund,
		d.StampStart, d.StampExpireWithdraw, d.StampExpireDeposit,
		d.StampExpireLegal, d.IsRevoked, d.IsOffered, d.MasterSig,
	)
}

func deserializeDenomination(r io.Reader) (*Denomination, error) {
	d := &Denomination{}
	err := ReadElements(r,
		&d.ExchangeBaseURL, &d.DenomPubHash, &d.DenomPub,
		&d.Value, &d.FeeWithdraw, &d.FeeDeposit, &d.FeeRefresh,
		&d.FeeRefund, &d.StampStart, &d.StampExpireWithdraw,
		&d.StampExpireDeposit, &d.StampExpireLegal, &d.IsRevoked,
		&d.IsOffered, &d.MasterSig,
	)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// PutExchangeTx stores an exchange.
func PutExchangeTx(tx kvdb.RwTx, e *Exchange) error {
	bucket := tx.ReadWriteBucket(exchangeBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	var b bytes.Buffer
	if err := serializeExchange(&b, e); err != nil {
		return err
	}

	return bucket.Put([]byte(e.BaseURL), b.Bytes())
}

// FetchExchangeTx returns the exchange with the given base URL.
func FetchExchangeTx(tx kvdb.RTx, baseURL string) (*Exchange, error) {
	bucket := tx.ReadBucket(exchangeBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	v := bucket.Get([]byte(baseURL))
	if v == nil {
		return nil, ErrExchangeNotFound
	}

	return deserializeExchange(bytes.NewReader(v))
}

// ForAllExchangesTx calls cb for every exchange.
func ForAllExchangesTx(tx kvdb.RTx, cb func(*Exchange) error) error {
	bucket := tx.ReadBucket(exchangeBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	return bucket.ForEach(func(_, v []byte) error {
		e, err := deserializeExchange(bytes.NewReader(v))
		if err != nil {
			return err
		}

		return cb(e)
	})
}

// PutDenominationTx stores a denomination in the bucket of its exchange.
func PutDenominationTx(tx kvdb.RwTx, d *Denomination) error {
	bucket := tx.ReadWriteBucket(denominationBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	exchange, err := bucket.CreateBucketIfNotExists(
		[]byte(d.ExchangeBaseURL),
	)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := serializeDenomination(&b, d); err != nil {
		return err
	}

	return exchange.Put([]byte(d.DenomPubHash), b.Bytes())
}

// FetchDenominationTx returns a denomination of an exchange.
func FetchDenominationTx(tx kvdb.RTx, exchangeBaseURL,
	denomPubHash string) (*Denomination, error) {

	bucket := tx.ReadBucket(denominationBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	exchange := bucket.NestedReadBucket([]byte(exchangeBaseURL))
	if exchange == nil {
		return nil, ErrDenominationNotFound
	}

	v := exchange.Get([]byte(denomPubHash))
	if v == nil {
		return nil, ErrDenominationNotFound
	}

	return deserializeDenomination(bytes.NewReader(v))
}

// ForAllDenominationsTx calls cb for every denomination of an exchange.
func ForAllDenominationsTx(tx kvdb.RTx, exchangeBaseURL string,
	cb func(*Denomination) error) error {

	bucket := tx.ReadBucket(denominationBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	exchange := bucket.NestedReadBucket([]byte(exchangeBaseURL))
	if exchange == nil {
		return nil
	}

	return exchange.ForEach(func(_, v []byte) error {
		d, err := deserializeDenomination(bytes.NewReader(v))
		if err != nil {
			return err
		}

		return cb(d)
	})
}

// PutExchange stores an exchange.
func (d *DB) PutExchange(e *Exchange) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutExchangeTx(tx, e)
	}, func() {})
}

// FetchExchange returns the exchange with the given base URL.
func (d *DB) FetchExchange(baseURL string) (*Exchange, error) {
	var e *Exchange
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		e, err = FetchExchangeTx(tx, baseURL)

		return err
	}, func() {
		e = nil
	})

	return e, err
}

// PutDenomination stores a denomination.
func (d *DB) PutDenomination(denom *Denomination) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutDenominationTx(tx, denom)
	}, func() {})
}

// FetchDenomination returns a denomination of an exchange.
func (d *DB) FetchDenomination(exchangeBaseURL,
	denomPubHash string) (*Denomination, error) {

	var denom *Denomination
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		denom, err = FetchDenominationTx(
			tx, exchangeBaseURL, denomPubHash,
		)

		return err
	}, func() {
		denom = nil
	})

	return denom, err
}

// FetchDenominations returns all denominations of an exchange.
func (d *DB) FetchDenominations(exchangeBaseURL string) ([]*Denomination,
	error) {

	var denoms []*Denomination
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return ForAllDenominationsTx(tx, exchangeBaseURL,
			func(denom *Denomination) error {
				denoms = append(denoms, denom)
				return nil
			})
	}, func() {
		denoms = nil
	})

	return denoms, err
}
