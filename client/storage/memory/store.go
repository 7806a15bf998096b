package memory

import (
	"errors"
	"sync"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

var (
	ErrDocumentNotFound = errors.New("document is not found")
)

// Store keeps the latest confirmed document per presentation in memory.
type Store struct {
	mx *sync.Mutex
	db map[string]model.Document
}

func NewStore() *Store {
	return &Store{
		mx: &sync.Mutex{},
		db: make(map[string]model.Document),
	}
}

// Put overwrites the stored document for a presentation.
func (st *Store) Put(presentationID string, doc model.Document) error {
	st.mx.Lock()
	defer st.mx.Unlock()

	st.db[presentationID] = doc
	return nil
}

func (st *Store) Get(presentationID string) (model.Document, error) {
	st.mx.Lock()
	defer st.mx.Unlock()

	doc, ok := st.db[presentationID]
	if !ok {
		return model.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (st *Store) Delete(presentationID string) error {
	st.mx.Lock()
	defer st.mx.Unlock()

	delete(st.db, presentationID)
	return nil
}
