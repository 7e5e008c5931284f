package link

import (
	"context"

	"github.com/nasdf/branchdb/storage"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/linking"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	// codecs need to be initialized and registered
	_ "github.com/ipld/go-ipld-prime/codec/dagcbor"
	_ "github.com/ipld/go-ipld-prime/codec/dagjson"
)

// DefaultCacheSize is the number of decoded nodes kept in memory by default.
const DefaultCacheSize = 4096

var linkPrototype = cidlink.LinkPrototype{Prefix: cid.Prefix{
	Version:  1,    // Usually '1'.
	Codec:    0x71, // dag-cbor -- See the multicodecs table: https://github.com/multiformats/multicodec/
	MhType:   0x13, // sha2-512 -- See the multicodecs table: https://github.com/multiformats/multicodec/
	MhLength: 64,   // sha2-512 hash has a 64-byte sum.
}}

// Store is a content addressable data store.
//
// Blocks are immutable so decoded nodes are cached by link.
type Store struct {
	lsys  linking.LinkSystem
	cache *lru.Cache[string, datamodel.Node]
}

// NewStore returns a new Store that uses the given storage to read and write content addressable data.
func NewStore(store storage.Storage, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, datamodel.Node](cacheSize)
	if err != nil {
		return nil, err
	}
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetReadStorage(store)
	lsys.SetWriteStorage(store)

	return &Store{
		lsys:  lsys,
		cache: cache,
	}, nil
}

// Parse returns the link encoded in the given string.
func Parse(s string) (datamodel.Link, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return nil, err
	}
	return cidlink.Link{Cid: id}, nil
}

// Load returns the node matching the given link.
func (s *Store) Load(ctx context.Context, lnk datamodel.Link) (datamodel.Node, error) {
	if n, ok := s.cache.Get(lnk.String()); ok {
		return n, nil
	}
	n, err := s.lsys.Load(linking.LinkContext{Ctx: ctx}, lnk, basicnode.Prototype.Any)
	if err != nil {
		return nil, err
	}
	s.cache.Add(lnk.String(), n)
	return n, nil
}

// LoadString returns the node matching the given string encoded link.
func (s *Store) LoadString(ctx context.Context, lnk string) (datamodel.Node, error) {
	l, err := Parse(lnk)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, l)
}

// Store writes the given node to the store and returns its link.
func (s *Store) Store(ctx context.Context, node datamodel.Node) (datamodel.Link, error) {
	lnk, err := s.lsys.Store(linking.LinkContext{Ctx: ctx}, linkPrototype, node)
	if err != nil {
		return nil, err
	}
	s.cache.Add(lnk.String(), node)
	return lnk, nil
}

// ComputeLink returns the link the given node would be stored under without writing it.
func (s *Store) ComputeLink(node datamodel.Node) (datamodel.Link, error) {
	return s.lsys.ComputeLink(linkPrototype, node)
}
