package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

var (
	invoicesBucket = []byte("invoices")
	idsBucket      = []byte("invoice_ids")
	sourcesBucket  = []byte("invoice_sources")
)

// Bolt persists records in a BoltDB file. Records are keyed by a sequence
// number so iteration follows insertion order.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt opens or creates the database at path
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{invoicesBucket, idsBucket, sourcesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Append writes a record in a single transaction
func (b *Bolt) Append(rec invoice.InvoiceRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("appending invoice: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling invoice: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucket)
		sources := tx.Bucket(sourcesBucket)
		if ids.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("invoice %s: %w", rec.ID, invoice.ErrDuplicate)
		}
		if sources.Get([]byte(rec.SourceFileID)) != nil {
			return fmt.Errorf("source file %s: %w", rec.SourceFileID, invoice.ErrDuplicate)
		}

		invoices := tx.Bucket(invoicesBucket)
		seq, err := invoices.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := invoices.Put(key, data); err != nil {
			return err
		}
		if err := ids.Put([]byte(rec.ID), key); err != nil {
			return err
		}
		return sources.Put([]byte(rec.SourceFileID), []byte(rec.ID))
	})
}

// All reads every record inside one read transaction
func (b *Bolt) All() ([]invoice.InvoiceRecord, error) {
	records := make([]invoice.InvoiceRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(invoicesBucket).ForEach(func(k, v []byte) error {
			var rec invoice.InvoiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database connection
func (b *Bolt) Close() error {
	return b.db.Close()
}
