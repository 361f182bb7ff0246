package service_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"github.com/shopspring/decimal"
)

// --- Connection store ---

type fakeStore struct {
	mu          sync.Mutex
	conns       map[string]domain.Connection
	tokenWrites int
	listErr     error
}

func newFakeStore(conns ...domain.Connection) *fakeStore {
	s := &fakeStore{conns: map[string]domain.Connection{}}
	for _, c := range conns {
		s.conns[c.Name] = c
	}
	return s
}

func (s *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[name]
	return ok, nil
}

func (s *fakeStore) Get(_ context.Context, name string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	return &c, nil
}

func (s *fakeStore) List(_ context.Context) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, conn *domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.Name] = *conn
	return nil
}

func (s *fakeStore) UpdateTokens(_ context.Context, name string, access domain.Token, refresh *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	c.AccessToken = access
	if refresh != nil {
		c.RefreshToken = *refresh
	}
	s.conns[name] = c
	s.tokenWrites++
	return nil
}

func (s *fakeStore) UpdateSources(_ context.Context, name string, accounts []domain.Account, cards []domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	c.Accounts, c.Cards = accounts, cards
	s.conns[name] = c
	return nil
}

func (s *fakeStore) UpdateLastSynced(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	c.LastSynced = at
	s.conns[name] = c
	return nil
}

func (s *fakeStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[name]; !ok {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	delete(s.conns, name)
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) get(name string) domain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[name]
}

// --- Cipher ---

// prefixCipher marks values instead of encrypting them.
type prefixCipher struct{}

func (prefixCipher) Encrypt(plain string) (string, error) { return "enc:" + plain, nil }

func (prefixCipher) Decrypt(sealed string) (string, error) {
	plain, ok := strings.CutPrefix(sealed, "enc:")
	if !ok {
		return "", &domain.ErrDecryption{Reason: "not sealed"}
	}
	return plain, nil
}

// --- OAuth provider ---

type fakeOAuth struct {
	mu           sync.Mutex
	grant        *domain.TokenGrant
	err          error
	refreshCalls int
	lastRefresh  string
}

func (o *fakeOAuth) AuthURL(state string) string { return "https://auth.example.com/?state=" + state }

func (o *fakeOAuth) ExchangeCode(_ context.Context, code string) (*domain.TokenGrant, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.grant, nil
}

func (o *fakeOAuth) RefreshAccessToken(_ context.Context, refreshToken string) (*domain.TokenGrant, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshCalls++
	o.lastRefresh = refreshToken
	if o.err != nil {
		return nil, o.err
	}
	return o.grant, nil
}

// --- Bank data provider ---

type fakeProvider struct {
	mu        sync.Mutex
	metadata  domain.Metadata
	fullName  string
	accounts  []domain.Account
	cards     []domain.Card
	balances  map[string]domain.Balance
	cleared   map[string][]domain.ProviderTransaction
	pending   map[string][]domain.ProviderTransaction
	failTxsOf map[string]error
	tokens    []string
	windows   []time.Time
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		balances:  map[string]domain.Balance{},
		cleared:   map[string][]domain.ProviderTransaction{},
		pending:   map[string][]domain.ProviderTransaction{},
		failTxsOf: map[string]error{},
	}
}

func (p *fakeProvider) GetMetadata(context.Context, string) (*domain.Metadata, error) {
	m := p.metadata
	return &m, nil
}

func (p *fakeProvider) GetUserFullName(context.Context, string) (string, error) {
	return p.fullName, nil
}

func (p *fakeProvider) ListAccounts(_ context.Context, token string) ([]domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return p.accounts, nil
}

func (p *fakeProvider) ListCards(context.Context, string) ([]domain.Card, error) {
	return p.cards, nil
}

func (p *fakeProvider) GetBalance(_ context.Context, _ string, _ domain.SourceType, id string) (*domain.Balance, error) {
	b, ok := p.balances[id]
	if !ok {
		return nil, errors.New("no balance")
	}
	return &b, nil
}

func (p *fakeProvider) ListTransactions(_ context.Context, _ string, _ domain.SourceType, id string, from, to time.Time) ([]domain.ProviderTransaction, error) {
	p.mu.Lock()
	p.windows = append(p.windows, from, to)
	p.mu.Unlock()
	if err := p.failTxsOf[id]; err != nil {
		return nil, err
	}
	return p.cleared[id], nil
}

func (p *fakeProvider) ListPendingTransactions(_ context.Context, _ string, _ domain.SourceType, id string, _, _ time.Time) ([]domain.ProviderTransaction, error) {
	return p.pending[id], nil
}

// --- Message bus ---

type published struct {
	key     string
	payload []byte
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *fakeBus) Publish(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{key: key, payload: payload})
	return nil
}

func (b *fakeBus) all() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

// --- Ledger ---

// fakeLedger honours skip_duplicates by external id per asset.
type fakeLedger struct {
	assets        []domain.Asset
	nextAssetID   int64
	createCalls   int
	balanceCalls  int
	listCalls     int
	categories    []domain.Category
	inserts       []domain.InsertTransactionsRequest
	stored        []domain.LedgerTransaction
	insertErr     error
	lostCreates   int
	lastBalanceOf map[int64]decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{nextAssetID: 42, lastBalanceOf: map[int64]decimal.Decimal{}}
}

func (l *fakeLedger) ListAssets(context.Context) ([]domain.Asset, error) {
	l.listCalls++
	return append([]domain.Asset(nil), l.assets...), nil
}

func (l *fakeLedger) CreateAsset(_ context.Context, req *domain.CreateAssetRequest) (*domain.Asset, error) {
	l.createCalls++
	a := domain.Asset{
		ID:              l.nextAssetID,
		TypeName:        req.TypeName,
		SubtypeName:     req.SubtypeName,
		Name:            req.Name,
		Balance:         req.Balance,
		Currency:        req.Currency,
		InstitutionName: req.InstitutionName,
	}
	l.nextAssetID++
	l.assets = append(l.assets, a)
	if l.lostCreates > 0 {
		l.lostCreates--
		return nil, errors.New("read: connection reset by peer")
	}
	l.lastBalanceOf[a.ID] = req.Balance
	return &a, nil
}

func (l *fakeLedger) UpdateAssetBalance(_ context.Context, id int64, balance decimal.Decimal, _ string) error {
	l.balanceCalls++
	if !l.hasAsset(id) {
		return &domain.ErrUpstreamAPI{Service: "lunchmoney", Operation: "PUT /assets", StatusCode: http.StatusNotFound, Body: `{"error":"Asset not found"}`}
	}
	l.lastBalanceOf[id] = balance
	return nil
}

func (l *fakeLedger) hasAsset(id int64) bool {
	for _, a := range l.assets {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (l *fakeLedger) removeAsset(id int64) {
	kept := l.assets[:0]
	for _, a := range l.assets {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	l.assets = kept
}

func (l *fakeLedger) ListCategories(context.Context) ([]domain.Category, error) {
	return l.categories, nil
}

func (l *fakeLedger) CreateCategory(_ context.Context, req *domain.CreateCategoryRequest) (int64, error) {
	id := int64(900 + len(l.categories))
	l.categories = append(l.categories, domain.Category{ID: id, Name: req.Name})
	return id, nil
}

func (l *fakeLedger) InsertTransactions(_ context.Context, req *domain.InsertTransactionsRequest) ([]int64, error) {
	l.inserts = append(l.inserts, *req)
	if l.insertErr != nil {
		return nil, l.insertErr
	}
	var ids []int64
	for _, tx := range req.Transactions {
		if req.SkipDuplicates && l.has(tx.AssetID, tx.ExternalID) {
			continue
		}
		l.stored = append(l.stored, tx)
		ids = append(ids, int64(len(l.stored)))
	}
	return ids, nil
}

func (l *fakeLedger) has(assetID int64, externalID string) bool {
	for _, tx := range l.stored {
		if tx.AssetID == assetID && tx.ExternalID == externalID {
			return true
		}
	}
	return false
}

// --- Helpers ---

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
