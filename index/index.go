package index

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes keeping the counter namespaces apart.
const (
	DeviceCountPrefix  = 'd'
	SessionCountPrefix = 's'
	AuxDataPrefix      = 'a'
)

const (
	keyTotalSubmissions = "totalSubmissions"
	keyTotalSessions    = "totalSessions"
	keyLastSubmission   = "lastSubmission"
)

// DB is a wrapper around badger.DB keeping per-device submission
// counters for the dashboard stats. It is an auxiliary index - the
// durable source of truth stays on the filesystem.
type DB struct {
	bdb *badger.DB
}

func OpenDB(path string) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open submission index: %w", err)
	}
	return &DB{bdb: bdb}, nil
}

// Close closes the internal Badger database. It is possible to call the
// method on a nil instance or on an uninitialized DB object, in which
// case it is a NOP.
func (db *DB) Close() error {
	if db != nil && db.bdb != nil {
		return db.bdb.Close()
	}
	return nil
}

// RecordSubmission bumps the counters for one accepted submission.
func (db *DB) RecordSubmission(deviceType string, numSessions int, when time.Time) error {
	err := db.bdb.Update(func(txn *badger.Txn) error {
		if err := incrementTx(txn, prefixedKey(DeviceCountPrefix, deviceType), 1); err != nil {
			return err
		}
		if err := incrementTx(txn, prefixedKey(AuxDataPrefix, keyTotalSubmissions), 1); err != nil {
			return err
		}
		if err := incrementTx(txn, prefixedKey(SessionCountPrefix, keyTotalSessions), uint32(numSessions)); err != nil {
			return err
		}
		return txn.Set(prefixedKey(AuxDataPrefix, keyLastSubmission), encodeTime(when))
	})
	if err != nil {
		return fmt.Errorf("failed to record submission in index: %w", err)
	}
	return nil
}

// Summary aggregates the dashboard numbers.
type Summary struct {
	TotalSubmissions uint32            `json:"totalSubmissions"`
	TotalSessions    uint32            `json:"totalSessions"`
	NumDevices       int               `json:"numDevices"`
	Devices          map[string]uint32 `json:"devices"`
	LastSubmission   *time.Time        `json:"lastSubmission"`
}

// Summary reads all counters. An empty index yields zero values, not
// an error.
func (db *DB) Summary() (Summary, error) {
	ans := Summary{Devices: make(map[string]uint32)}
	err := db.bdb.View(func(txn *badger.Txn) error {
		var err error
		if ans.TotalSubmissions, err = readCounterTx(txn, prefixedKey(AuxDataPrefix, keyTotalSubmissions)); err != nil {
			return err
		}
		if ans.TotalSessions, err = readCounterTx(txn, prefixedKey(SessionCountPrefix, keyTotalSessions)); err != nil {
			return err
		}

		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte{DeviceCountPrefix}
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			device := string(item.Key()[1:])
			err := item.Value(func(val []byte) error {
				ans.Devices[device] = decodeCounter(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		ans.NumDevices = len(ans.Devices)

		item, err := txn.Get(prefixedKey(AuxDataPrefix, keyLastSubmission))
		if err == badger.ErrKeyNotFound {
			return nil

		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			t, decodeErr := decodeTime(val)
			if decodeErr != nil {
				return decodeErr
			}
			ans.LastSubmission = &t
			return nil
		})
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read submission index: %w", err)
	}
	return ans, nil
}

func incrementTx(txn *badger.Txn, key []byte, by uint32) error {
	var curr uint32
	item, err := txn.Get(key)
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("failed to update counter: %w", err)

	} else if err == nil {
		err = item.Value(func(val []byte) error {
			curr = decodeCounter(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to fetch counter value: %w", err)
		}
	}
	return txn.Set(key, encodeCounter(curr+by))
}

func readCounterTx(txn *badger.Txn, key []byte) (uint32, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil

	} else if err != nil {
		return 0, err
	}
	var ans uint32
	err = item.Value(func(val []byte) error {
		ans = decodeCounter(val)
		return nil
	})
	return ans, err
}

func prefixedKey(prefix byte, key string) []byte {
	ans := make([]byte, 1+len(key))
	ans[0] = prefix
	copy(ans[1:], []byte(key))
	return ans
}
