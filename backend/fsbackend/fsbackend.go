// Package fsbackend contains an implementation of the backend.Backend
// interface for the filesystem
package fsbackend

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/Nivl/git-go/backend"
	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/Nivl/git-go/internal/cache"
	"github.com/Nivl/git-go/internal/gitpath"
	"github.com/Nivl/git-go/internal/syncutil"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// we make sure the struct implements the interface
var _ backend.Backend = (*Backend)(nil)

// objectCacheSize is the number of decoded objects kept in memory
// across loose and packed lookups.
const objectCacheSize = 128

// lockShards is the number of mutexes backing objectMu; collisions
// between unrelated oids just mean extra (harmless) serialization.
const lockShards = 64

// Backend is a Backend implementation that uses the filesystem to
// store data, reading loose objects directly and packed objects
// through the packfile package.
type Backend struct {
	root string
	fs   afero.Fs

	cache    *cache.LRU
	objectMu *syncutil.NamedMutex

	looseObjects sync.Map
	packfiles    map[ginternals.Oid]*packfile.Pack

	externalBase packfile.ExternalBaseResolver
	newPackCache func() cache.Cache
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithExternalBaseResolver installs r on every packfile loaded by this
// Backend, used to resolve a REF_DELTA base that isn't present in the
// pack carrying it. See packfile.ExternalBaseResolver.
func WithExternalBaseResolver(r packfile.ExternalBaseResolver) Option {
	return func(b *Backend) {
		b.externalBase = r
	}
}

// WithPackCache overrides the default per-pack delta cache: newCache is
// called once per packfile loaded by this Backend, since a cache isn't
// safe to share between packs (offsets are only unique within a single
// pack). Pass func() cache.Cache { return cache.NewNullCache() } to
// trade memory for repeated decompression when deltas are rare.
func WithPackCache(newCache func() cache.Cache) Option {
	return func(b *Backend) {
		b.newPackCache = newCache
	}
}

// New returns a new Backend rooted at dotGitPath, pre-loading the
// list of loose and packed object ids it finds there. dotGitPath
// doesn't need to exist yet or contain a fully initialized repo; this
// just means nothing gets pre-loaded.
func New(dotGitPath string, opts ...Option) (*Backend, error) {
	b := &Backend{
		root:         dotGitPath,
		fs:           afero.NewOsFs(),
		cache:        cache.NewLRU(objectCacheSize),
		objectMu:     syncutil.NewNamedMutex(lockShards),
		looseObjects: sync.Map{},
		packfiles:    map[ginternals.Oid]*packfile.Pack{},
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.loadLooseObject(); err != nil {
		return nil, xerrors.Errorf("could not load loose objects: %w", err)
	}
	if err := b.loadPacks(); err != nil {
		return nil, xerrors.Errorf("could not load packfiles: %w", err)
	}
	return b, nil
}

// Close closes every packfile currently loaded
func (b *Backend) Close() error {
	for _, p := range b.packfiles {
		if err := p.Close(); err != nil {
			return xerrors.Errorf("could not close packfile %s: %w", p.ID().String(), err)
		}
	}
	return nil
}

// Init initializes a repository
func (b *Backend) Init() error {
	// Create the directories
	dirs := []string{
		gitpath.ObjectsPath,
		gitpath.RefsTagsPath,
		gitpath.RefsHeadsPath,
		gitpath.ObjectsInfoPath,
		gitpath.ObjectsPackPath,
	}
	for _, d := range dirs {
		fullPath := filepath.Join(b.root, d)
		if err := os.MkdirAll(fullPath, 0o750); err != nil {
			return xerrors.Errorf("could not create directory %s: %w", d, err)
		}
	}

	// Create the files with the default content
	// (taken from a repo created on github)
	files := []struct {
		path    string
		content []byte
	}{
		{
			path:    gitpath.DescriptionPath,
			content: []byte("Unnamed repository; edit this file 'description' to name the repository.\n"),
		},
	}
	for _, f := range files {
		fullPath := filepath.Join(b.root, f.path)
		if err := afero.WriteFile(b.fs, fullPath, f.content, 0o644); err != nil {
			return xerrors.Errorf("could not create file %s: %w", f.path, err)
		}
	}

	err := b.setDefaultCfg()
	if err != nil {
		return xerrors.Errorf("could not set the default config: %w", err)
	}

	return nil
}
