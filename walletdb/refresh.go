package walletdb

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/kvdb"
)

func serializeRefreshGroup(w io.Writer, g *RefreshGroup) error {
	err := WriteElements(w,
		g.RefreshGroupID, g.Reason, g.OldCoinPubs, g.InputPerCoin,
		g.EstimatedOutputPerCoin, uint32(len(g.StatusPerCoin)),
	)
	if err != nil {
		return err
	}

	for _, s := range g.StatusPerCoin {
		if err := WriteElement(w, uint8(s)); err != nil {
			return err
		}
	}

	return WriteElements(w,
		g.Retry, g.LastError, g.TimestampCreated, g.TimestampFinished,
	)
}

func deserializeRefreshGroup(r io.Reader) (*RefreshGroup, error) {
	g := &RefreshGroup{}

	var numStatus uint32
	err := ReadElements(r,
		&g.RefreshGroupID, &g.Reason, &g.OldCoinPubs, &g.InputPerCoin,
		&g.EstimatedOutputPerCoin, &numStatus,
	)
	if err != nil {
		return nil, err
	}

	g.StatusPerCoin = make([]RefreshCoinStatus, 0, min(numStatus, 1024))
	for i := uint32(0); i < numStatus; i++ {
		var s uint8
		if err := ReadElement(r, &s); err != nil {
			return nil, err
		}
		g.StatusPerCoin = append(g.StatusPerCoin, RefreshCoinStatus(s))
	}

	err = ReadElements(r,
		&g.Retry, &g.LastError, &g.TimestampCreated,
		&g.TimestampFinished,
	)
	if err != nil {
		return nil, err
	}

	return g, nil
}

// PutRefreshGroupTx stores a refresh group.
func PutRefreshGroupTx(tx kvdb.RwTx, g *RefreshGroup) error {
	bucket := tx.ReadWriteBucket(refreshGroupBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	var b bytes.Buffer
	if err := serializeRefreshGroup(&b, g); err != nil {
		return err
	}

	return bucket.Put([]byte(g.RefreshGroupID), b.Bytes())
}

// FetchRefreshGroupTx returns the refresh group with the given id.
func FetchRefreshGroupTx(tx kvdb.RTx, id string) (*RefreshGroup, error) {
	bucket := tx.ReadBucket(refreshGroupBucket)
	if bucket == nil {
		return nil, ErrLedgerNotInitialized
	}

	v := bucket.Get([]byte(id))
	if v == nil {
		return nil, ErrRefreshGroupNotFound
	}

	return deserializeRefreshGroup(bytes.NewReader(v))
}

// ForAllRefreshGroupsTx calls cb for every refresh group.
func ForAllRefreshGroupsTx(tx kvdb.RTx, cb func(*RefreshGroup) error) error {
	bucket := tx.ReadBucket(refreshGroupBucket)
	if bucket == nil {
		return ErrLedgerNotInitialized
	}

	return bucket.ForEach(func(_, v []byte) error {
		g, err := deserializeRefreshGroup(bytes.NewReader(v))
		if err != nil {
			return err
		}

		return cb(g)
	})
}

// PutRefreshGroup stores a refresh group.
func (d *DB) PutRefreshGroup(g *RefreshGroup) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return PutRefreshGroupTx(tx, g)
	}, func() {})
}

// FetchRefreshGroup returns the refresh group with the given id.
func (d *DB) FetchRefreshGroup(id string) (*RefreshGroup, error) {
	var g *RefreshGroup
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		g, err = FetchRefreshGroupTx(tx, id)

		return err
	}, func() {
		g = nil
	})

	return g, err
}

// FetchAllRefreshGroups returns every refresh group.
func (d *DB) FetchAllRefreshGroups() ([]*RefreshGroup, error) {
	var groups []*RefreshGroup
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return ForAllRefreshGroupsTx(tx, func(g *RefreshGroup) error {
			groups = append(groups, g)
			return nil
		})
	}, func() {
		groups = nil
	})

	return groups, err
}
