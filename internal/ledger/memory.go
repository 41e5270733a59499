package ledger

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/usermicrodevices/prod/internal/shared"
)

// MemoryStore is an in-process RepositoryPort. Transactions run under the store
// mutex on a copy of the state that replaces the committed one on success, so each
// transaction costs a copy of every map. Savepoints journal their writes and undo
// them on failure instead of copying.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	types     map[int64]DocumentType
	documents map[int64]Document
	records   map[int64]Record
	registers map[int64]Register // keyed by record id
	nextID    int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		types:     map[int64]DocumentType{},
		documents: map[int64]Document{},
		records:   map[int64]Record{},
		registers: map[int64]Register{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		types:     maps.Clone(s.types),
		documents: maps.Clone(s.documents),
		records:   maps.Clone(s.records),
		registers: maps.Clone(s.registers),
		nextID:    s.nextID,
	}
}

type memTx struct {
	st   *memState
	undo []func()
}

// WithTx runs fn against a private copy of the state.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{st: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.st
	return nil
}

func (t *memTx) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	mark := len(t.undo)
	if err := fn(ctx, t); err != nil {
		t.rollbackTo(mark)
		return err
	}
	return nil
}

func (t *memTx) rollbackTo(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *memTx) nextID() int64 {
	prev := t.st.nextID
	t.undo = append(t.undo, func() { t.st.nextID = prev })
	t.st.nextID++
	return t.st.nextID
}

func restore[K comparable, V any](m map[K]V, k K) func() {
	prev, ok := m[k]
	return func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	}
}

func put[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	t.undo = append(t.undo, restore(m, k))
	m[k] = v
}

func remove[K comparable, V any](t *memTx, m map[K]V, k K) {
	t.undo = append(t.undo, restore(m, k))
	delete(m, k)
}

func (m *MemoryStore) read() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// The committed state is never mutated in place, so a snapshot pointer is safe to read.

func (m *MemoryStore) GetType(ctx context.Context, id int64) (DocumentType, error) {
	return m.read().getType(id)
}

func (m *MemoryStore) GetTypeByAlias(ctx context.Context, alias string) (DocumentType, error) {
	return m.read().getTypeByAlias(alias)
}

func (m *MemoryStore) GetDocument(ctx context.Context, id int64) (Document, error) {
	return m.read().getDocument(id)
}

func (m *MemoryStore) GetRecord(ctx context.Context, id int64) (Record, error) {
	return m.read().getRecord(id)
}

func (m *MemoryStore) RecordsByDocument(ctx context.Context, documentID int64) ([]Record, error) {
	return m.read().recordsByDocument(documentID), nil
}

func (m *MemoryStore) RegisteredRecordIDs(ctx context.Context, documentID int64) (map[int64]bool, error) {
	return m.read().registeredRecordIDs(documentID), nil
}

func (m *MemoryStore) DocumentTotals(ctx context.Context, documentID int64) (Totals, error) {
	return m.read().documentTotals(documentID), nil
}

func (m *MemoryStore) ListTypes(ctx context.Context) ([]DocumentType, error) {
	st := m.read()
	out := make([]DocumentType, 0, len(st.types))
	for _, t := range st.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, filter Filter) ([]Document, int, error) {
	conds, err := filter.compile(documentColumns)
	if err != nil {
		return nil, 0, err
	}
	st := m.read()
	matched := []Document{}
	for _, d := range st.documents {
		if matchDocument(d, conds) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return PostingMark{matched[i].RegisteredAt, matched[i].ID}.After(PostingMark{matched[j].RegisteredAt, matched[j].ID})
	})
	return paginate(matched, filter), len(matched), nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, filter Filter) ([]Record, int, error) {
	conds, err := filter.compile(recordColumns)
	if err != nil {
		return nil, 0, err
	}
	st := m.read()
	matched := []Record{}
	for _, r := range st.records {
		if matchRecord(r, conds) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, filter), len(matched), nil
}

func (m *MemoryStore) PostedQuantity(ctx context.Context, productID int64) (Movement, error) {
	st := m.read()
	mv := Movement{}
	for recordID := range st.registers {
		rec, ok := st.records[recordID]
		if !ok || rec.ProductID != productID {
			continue
		}
		typ := st.types[st.documents[rec.DocumentID].TypeID]
		if typ.Income {
			mv.Income = mv.Income.Add(rec.Count)
		} else {
			mv.Expense = mv.Expense.Add(rec.Count)
		}
	}
	return mv, nil
}

func (m *MemoryStore) LatestPosting(ctx context.Context, productID int64) (PostingMark, bool, error) {
	st := m.read()
	var latest PostingMark
	found := false
	for recordID := range st.registers {
		rec, ok := st.records[recordID]
		if !ok || rec.ProductID != productID {
			continue
		}
		doc := st.documents[rec.DocumentID]
		mark := PostingMark{RegisteredAt: doc.RegisteredAt, DocumentID: doc.ID}
		if !found || mark.After(latest) {
			latest, found = mark, true
		}
	}
	return latest, found, nil
}

func (t *memTx) GetType(ctx context.Context, id int64) (DocumentType, error) { return t.st.getType(id) }

func (t *memTx) GetTypeByAlias(ctx context.Context, alias string) (DocumentType, error) {
	return t.st.getTypeByAlias(alias)
}

func (t *memTx) GetDocument(ctx context.Context, id int64) (Document, error) {
	return t.st.getDocument(id)
}

func (t *memTx) GetDocumentForUpdate(ctx context.Context, id int64) (Document, error) {
	return t.st.getDocument(id)
}

func (t *memTx) GetRecord(ctx context.Context, id int64) (Record, error) { return t.st.getRecord(id) }

func (t *memTx) RecordsByDocument(ctx context.Context, documentID int64) ([]Record, error) {
	return t.st.recordsByDocument(documentID), nil
}

func (t *memTx) RegisteredRecordIDs(ctx context.Context, documentID int64) (map[int64]bool, error) {
	return t.st.registeredRecordIDs(documentID), nil
}

func (t *memTx) DocumentTotals(ctx context.Context, documentID int64) (Totals, error) {
	return t.st.documentTotals(documentID), nil
}

func (t *memTx) InsertType(ctx context.Context, typ DocumentType) (DocumentType, error) {
	if _, err := t.st.getTypeByAlias(typ.Alias); err == nil {
		return DocumentType{}, fmt.Errorf("%w: document type %s", ErrDuplicate, typ.Alias)
	}
	typ.ID = t.nextID()
	put(t, t.st.types, typ.ID, typ)
	return typ, nil
}

func (t *memTx) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	if _, ok := t.st.types[doc.TypeID]; !ok {
		return Document{}, fmt.Errorf("%w: document type %d", ErrReferenceNotFound, doc.TypeID)
	}
	doc.ID = t.nextID()
	doc.CreatedAt = time.Now().UTC()
	put(t, t.st.documents, doc.ID, doc)
	return doc, nil
}

func (t *memTx) UpdateDocumentSum(ctx context.Context, id int64, sum decimal.Decimal, explicit bool) error {
	doc, err := t.st.getDocument(id)
	if err != nil {
		return err
	}
	doc.SumFinal = sum
	doc.SumExplicit = explicit
	put(t, t.st.documents, id, doc)
	return nil
}

func (t *memTx) DeleteDocument(ctx context.Context, id int64) ([]int64, error) {
	if _, err := t.st.getDocument(id); err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	products := []int64{}
	for rid, rec := range t.st.records {
		if rec.DocumentID != id {
			continue
		}
		if _, posted := t.st.registers[rid]; posted && !seen[rec.ProductID] {
			seen[rec.ProductID] = true
			products = append(products, rec.ProductID)
		}
		remove(t, t.st.registers, rid)
		remove(t, t.st.records, rid)
	}
	remove(t, t.st.documents, id)
	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })
	return products, nil
}

func (t *memTx) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if _, ok := t.st.documents[rec.DocumentID]; !ok {
		return Record{}, fmt.Errorf("%w: document %d", ErrReferenceNotFound, rec.DocumentID)
	}
	rec.ID = t.nextID()
	put(t, t.st.records, rec.ID, rec)
	return rec, nil
}

func (t *memTx) InsertRegister(ctx context.Context, recordID int64) (Register, error) {
	if _, ok := t.st.records[recordID]; !ok {
		return Register{}, fmt.Errorf("%w: record %d", ErrReferenceNotFound, recordID)
	}
	if _, ok := t.st.registers[recordID]; ok {
		return Register{}, ErrAlreadyRegistered
	}
	reg := Register{ID: t.nextID(), RecordID: recordID, CreatedAt: time.Now().UTC()}
	put(t, t.st.registers, recordID, reg)
	return reg, nil
}

func (t *memTx) DeleteRegistersByDocument(ctx context.Context, documentID int64) ([]Record, error) {
	out := []Record{}
	for _, rec := range t.st.recordsByDocument(documentID) {
		if _, ok := t.st.registers[rec.ID]; ok {
			remove(t, t.st.registers, rec.ID)
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memState) getType(id int64) (DocumentType, error) {
	t, ok := s.types[id]
	if !ok {
		return DocumentType{}, fmt.Errorf("%w: document type %d", ErrNotFound, id)
	}
	return t, nil
}

func (s *memState) getTypeByAlias(alias string) (DocumentType, error) {
	for _, t := range s.types {
		if t.Alias == alias {
			return t, nil
		}
	}
	return DocumentType{}, fmt.Errorf("%w: document type %s", ErrNotFound, alias)
}

func (s *memState) getDocument(id int64) (Document, error) {
	d, ok := s.documents[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	return d, nil
}

func (s *memState) getRecord(id int64) (Record, error) {
	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: record %d", ErrNotFound, id)
	}
	return r, nil
}

func (s *memState) recordsByDocument(documentID int64) []Record {
	out := []Record{}
	for _, r := range s.records {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memState) registeredRecordIDs(documentID int64) map[int64]bool {
	out := map[int64]bool{}
	for rid := range s.registers {
		if rec, ok := s.records[rid]; ok && rec.DocumentID == documentID {
			out[rid] = true
		}
	}
	return out
}

func (s *memState) documentTotals(documentID int64) Totals {
	t := Totals{}
	for _, r := range s.records {
		if r.DocumentID != documentID {
			continue
		}
		t.Cost = t.Cost.Add(r.Count.Mul(r.Cost))
		t.Price = t.Price.Add(r.Count.Mul(r.Price))
	}
	return t
}

func matchDocument(d Document, conds []condition) bool {
	for _, c := range conds {
		var v int64
		switch c.Column {
		case "id":
			v = d.ID
		case "type_id":
			v = d.TypeID
		case "owner_id":
			v = d.OwnerID
		case "contractor_id":
			v = d.ContractorID
		case "customer_id":
			if d.CustomerID == nil {
				return false
			}
			v = *d.CustomerID
		case "author_id":
			v = d.AuthorID
		}
		if v != c.Value.(int64) {
			return false
		}
	}
	return true
}

func matchRecord(r Record, conds []condition) bool {
	for _, c := range conds {
		switch c.Column {
		case "id":
			if r.ID != c.Value.(int64) {
				return false
			}
		case "document_id":
			if r.DocumentID != c.Value.(int64) {
				return false
			}
		case "product_id":
			if r.ProductID != c.Value.(int64) {
				return false
			}
		case "currency":
			if r.Currency != c.Value.(string) {
				return false
			}
		}
	}
	return true
}

func paginate[T any](items []T, filter Filter) []T {
	page := shared.NewPagination(filter.Page, filter.PerPage, len(items))
	start := min(page.Offset(), len(items))
	end := min(start+page.PerPage, len(items))
	return items[start:end]
}
