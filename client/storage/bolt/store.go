// Package bolt persists the document mirror on disk so a rejoin can show
// the last confirmed deck before the session catches up.
package bolt

import (
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

const defaultOpenTimeout = time.Second

var (
	ErrOpen             = errors.New("unable to open document cache")
	ErrDocumentNotFound = errors.New("document is not found")
)

var bucketDocuments = []byte("documents")

type Store struct {
	db *bbolt.DB
}

// Open creates or opens a cache file. The open times out instead of
// blocking forever when another process holds the file lock.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, txErr := tx.CreateBucketIfNotExists(bucketDocuments)
		return txErr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpen, err)
	}
	return &Store{db: db}, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// Put overwrites the stored document for a presentation.
func (st *Store) Put(presentationID string, doc model.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return st.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(presentationID), b)
	})
}

func (st *Store) Get(presentationID string) (model.Document, error) {
	var doc model.Document
	err := st.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(presentationID))
		if raw == nil {
			return ErrDocumentNotFound
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

func (st *Store) Delete(presentationID string) error {
	return st.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(presentationID))
	})
}
