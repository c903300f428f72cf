package walletdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultDBFileName is the file name of the ledger inside the data
	// directory.
	DefaultDBFileName = "wallet.db"

	dbFilePermission = 0700
)

var (
	// exchangeBucket maps exchange base URL -> exchange.
	exchangeBucket = []byte("exchanges")

	// denominationBucket holds one nested bucket per exchange base URL,
	// mapping denomination public key hash -> denomination.
	denominationBucket = []byte("denominations")

	// coinBucket maps coin public key -> coin.
	coinBucket = []byte("coins")

	// proposalBucket maps proposal id -> proposal.
	proposalBucket = []byte("proposals")

	// proposalIndexBucket maps merchant base URL || 0x00 || order id ->
	// proposal id.
	proposalIndexBucket = []byte("proposal-index")

	// purchaseBucket maps proposal id -> purchase.
	purchaseBucket = []byte("purchases")

	// fulfillmentIndexBucket maps fulfillment URL -> proposal id of the
	// purchase.
	fulfillmentIndexBucket = []byte("fulfillment-index")

	// refreshGroupBucket maps refresh group id -> refresh group.
	refreshGroupBucket = []byte("refresh-groups")

	// metaBucket stores the schema version.
	metaBucket = []byte("meta")

	dbVersionKey = []byte("dbp")

	topLevelBuckets = [][]byte{
		exchangeBucket,
		denominationBucket,
		coinBucket,
		proposalBucket,
		proposalIndexBucket,
		purchaseBucket,
		fulfillmentIndexBucket,
		refreshGroupBucket,
		metaBucket,
	}
)

// migration mutates the bucket structure of a prior version of the ledger
// into the next one.
type migration func(tx kvdb.RwTx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every schema version. Versions newer than the one stored
// in the ledger have their migrations applied in order on open.
var dbVersions = []version{
	{
		// The base version requires no migration.
		number:    0,
		migration: nil,
	},
	{
		// Version 1 adds the fulfillment URL index.
		number:    1,
		migration: migrateFulfillmentIndex,
	},
}

// Config is the configuration of the ledger store.
type Config struct {
	kvdb.BoltConfig `group:"bolt" namespace:"bolt"`

	// DataDir is the directory holding the ledger file.
	DataDir string `long:"datadir" description:"The directory to store the wallet ledger in"`

	// FileName is the name of the ledger file.
	FileName string `long:"filename" description:"Name of the ledger file"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		BoltConfig: kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
		DataDir:  dataDir,
		FileName: DefaultDBFileName,
	}
}

// DB is the wallet ledger. It stores exchanges, denominations, coins,
// proposals, purchases and refresh groups.
type DB struct {
	kvdb.Backend

	clock clock.Clock
}

// Open opens or creates the ledger described by cfg and applies pending
// migrations.
func Open(cfg *Config, clk clock.Clock) (*DB, error) {
	if err := os.MkdirAll(cfg.DataDir, dbFilePermission); err != nil {
		return nil, err
	}

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            cfg.DataDir,
		DBFileName:        cfg.FileName,
		NoFreelistSync:    cfg.NoFreelistSync,
		AutoCompact:       cfg.AutoCompact,
		AutoCompactMinAge: cfg.AutoCompactMinAge,
		DBTimeout:         cfg.DBTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open ledger %v: %w",
			filepath.Join(cfg.DataDir, cfg.FileName), err)
	}

	return CreateWithBackend(backend, clk)
}

// CreateWithBackend creates the ledger on top of an open backend.
func CreateWithBackend(backend kvdb.Backend, clk clock.Clock) (*DB, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	db := &DB{
		Backend: backend,
		clock:   clk,
	}

	if err := db.initBuckets(); err != nil {
		backend.Close()
		return nil, err
	}

	if err := db.syncVersions(dbVersions); err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// Now returns the current time of the ledger's clock.
func (d *DB) Now() time.Time {
	return d.clock.Now()
}

// initBuckets creates all top level buckets.
func (d *DB) initBuckets() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// fetchVersion returns the stored schema version. A fresh ledger has no
// version and reports the latest one.
func fetchVersion(tx kvdb.RTx) (uint32, bool) {
	meta := tx.ReadBucket(metaBucket)
	if meta == nil {
		return 0, false
	}

	v := meta.Get(dbVersionKey)
	if len(v) != 4 {
		return 0, false
	}

	return byteOrder.Uint32(v), true
}

func putVersion(tx kvdb.RwTx, number uint32) error {
	meta := tx.ReadWriteBucket(metaBucket)
	if meta == nil {
		return ErrLedgerNotInitialized
	}

	var b [4]byte
	byteOrder.PutUint32(b[:], number)

	return meta.Put(dbVersionKey, b[:])
}

// syncVersions applies the migrations of all versions newer than the stored
// one in a single transaction.
func (d *DB) syncVersions(versions []version) error {
	latest := getLatestDBVersion(versions)

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		current, ok := fetchVersion(tx)
		if !ok {
			// A new ledger starts at the latest version.
			return putVersion(tx, latest)
		}

		switch {
		case current == latest:
			return nil

		case current > latest:
			return fmt.Errorf("%w: ledger version %d, supported %d",
				ErrDBReversion, current, latest)
		}

		for _, v := range versions {
			if v.number <= current || v.migration == nil {
				continue
			}

			log.Infof("Applying ledger migration to version %d",
				v.number)

			if err := v.migration(tx); err != nil {
				return fmt.Errorf("migration to version %d: %w",
					v.number, err)
			}
		}

		return putVersion(tx, latest)
	}, func() {})
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// migrateFulfillmentIndex builds the fulfillment URL index from the stored
// purchases.
func migrateFulfillmentIndex(tx kvdb.RwTx) error {
	purchases := tx.ReadWriteBucket(purchaseBucket)
	index := tx.ReadWriteBucket(fulfillmentIndexBucket)
	if purchases == nil || index == nil {
		return ErrLedgerNotInitialized
	}

	return purchases.ForEach(func(k, v []byte) error {
		p, err := deserializePurchase(v)
		if err != nil {
			return err
		}

		url := p.Download.ContractData.FulfillmentURL
		if !IndexableFulfillmentURL(url) ||
			index.Get([]byte(url)) != nil {

			return nil
		}

		return index.Put([]byte(url), k)
	})
}

// Wipe deletes all records.
func (d *DB) Wipe() error {
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			err := tx.DeleteTopLevelBucket(bucket)
			if err != nil &&
				!errors.Is(err, kvdb.ErrBucketNotFound) {

				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return err
	}

	if err := d.initBuckets(); err != nil {
		return err
	}

	return d.syncVersions(dbVersions)
}
