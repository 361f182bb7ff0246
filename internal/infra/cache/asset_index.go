package cache

import "github.com/boddenberg/ledgerlink-go/internal/domain"

// AssetIndex maps destination asset identities to asset ids and back.
// It has no lock: the consumer processes one message at a time and is its
// only writer.
type AssetIndex struct {
	byKey map[domain.AssetKey]int64
	byID  map[int64]domain.AssetKey
}

// NewAssetIndex returns an empty index.
func NewAssetIndex() *AssetIndex {
	return &AssetIndex{
		byKey: make(map[domain.AssetKey]int64),
		byID:  make(map[int64]domain.AssetKey),
	}
}

// Lookup returns the asset id for key.
func (x *AssetIndex) Lookup(key domain.AssetKey) (int64, bool) {
	id, ok := x.byKey[key]
	return id, ok
}

// KeyOf returns the identity of the asset with the given id.
func (x *AssetIndex) KeyOf(id int64) (domain.AssetKey, bool) {
	key, ok := x.byID[id]
	return key, ok
}

// Put records the association in both directions. A key that moves to a new
// id drops its previous reverse entry.
func (x *AssetIndex) Put(key domain.AssetKey, id int64) {
	if old, ok := x.byKey[key]; ok && old != id {
		delete(x.byID, old)
	}
	if oldKey, ok := x.byID[id]; ok && oldKey != key {
		delete(x.byKey, oldKey)
	}
	x.byKey[key] = id
	x.byID[id] = key
}

// Reset drops every association.
func (x *AssetIndex) Reset() {
	clear(x.byKey)
	clear(x.byID)
}

// Len returns the number of indexed assets.
func (x *AssetIndex) Len() int {
	return len(x.byKey)
}
