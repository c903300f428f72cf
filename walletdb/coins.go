package walletdb

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/kvdb"
)

func serializeCoin(w io.Writer, c *Coin) error {
	err := WriteElements(w,
		c.CoinPub, c.CoinPriv, c.ExchangeBaseURL, c.DenomPubHash,
		c.DenomSig, c.CurrentAmount, c.Status, c.Suspended,
		c.Source.Type, c.Source.ID, c.Source.Index,
		c.Allocation != nil,
	)
	if err != nil {
		return err
	}

	if c.Allocation == nil {
		return nil
	}

	return WriteElements(w, c.Allocation.ID, c.Allocation.Amount)
}

func deserializeCoin(r io.Reader) (*Coin, error) {
	c := &Coin{}

	var allocated bool
	err := ReadElements(r,
		&c.CoinPub, &c.CoinPriv, &c.ExchangeBaseURL, &c.DenomPubHash,
		&c.DenomSig, &c.CurrentAmount, &c.Status, &c.Suspended,
		&c.Source.Type, &c.Source.ID, &c.Source.Index, &allocated,
	)
	if err != nil {
		return nil, err
	}

	if allocated {
		c.Allocation = &CoinAllocation{}
		err := ReadElements(r, &c.Allocation.ID, &c.Allocation.Amount)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// PutCoinTx stores a coin.
func PutCoinTx(tx kvdb.RwTx, c *Coin) error {
	bucket := tx.ReadWriteBucket(coinBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	var b bytes.Buffer
	if err := serializeCoin(&b, c); err != nil {
		return err
	}

	return bucket.Put([]byte(c.CoinPub), b.Bytes())
}

// FetchCoinTx returns the coin with the given public key.
func FetchCoinTx(tx kvdb.RTx, coinPub string) (*Coin, error) {
	bucket := tx.ReadBucket(coinBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	v := bucket.Get([]byte(coinPub))
	if v == nil {
		return nil, ErrCoinNotFound
	}

	return deserializeCoin(bytes.NewReader(v))
}

// ForAllCoinsTx calls cb for every coin.
func ForAllCoinsTx(tx kvdb.RTx, cb func(*Coin) error) error {
	bucket := tx.ReadBucket(coinBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	return bucket.ForEach(func(_, v []byte) error {
		c, err := deserializeCoin(bytes.NewReader(v))
		if err != nil {
			return err
		}

		return cb(c)
	})
}

// PutCoin stores a coin.
func (d *DB) PutCoin(c *Coin) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutCoinTx(tx, c)
	}, func() {})
}

// FetchCoin returns the coin with the given public key.
func (d *DB) FetchCoin(coinPub string) (*Coin, error) {
	var c *Coin
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		c, err = FetchCoinTx(tx, coinPub)

		return err
	}, func() {
		c = nil
	})

	return c, err
}

// FetchAllCoins returns every coin.
func (d *DB) FetchAllCoins() ([]*Coin, error) {
	var coins []*Coin
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return ForAllCoinsTx(tx, func(c *Coin) error {
			coins = append(coins, c)
			return nil
		})
	}, func() {
		coins = nil
	})

	return coins, err
}
