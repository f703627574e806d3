// Package git exposes a read-only view of a git repository: object
// lookup, ref and HEAD resolution, and partial object-id resolution.
// It never writes to the odb, never checks out a working tree, and
// never recreates deltas or packs.
package git

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Nivl/git-go/backend"
	"github.com/Nivl/git-go/backend/fsbackend"
	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/config"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/ginternals/packfile"
	"github.com/Nivl/git-go/internal/pathutil"
	"github.com/Nivl/git-go/internal/readutil"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// ErrRepositoryNotExist is returned by OpenRepository when no git
// repository could be found at, or above, the given path.
var ErrRepositoryNotExist = xerrors.New("repository does not exist")

// Repository is a read-only handle on a git repository: its object
// database (including any alternates), its refs, and its HEAD.
type Repository struct {
	cfg *config.Config

	backend    backend.Backend
	alternates []backend.Backend

	// wt is the working tree filesystem. It's nil for bare repositories.
	// git-go doesn't check out files, so it's only used by IsBare().
	wt afero.Fs
}

// OpenOptions contains the options that can be passed to
// OpenRepositoryWithOptions to change the default behavior of
// OpenRepository.
type OpenOptions struct {
	// IsBare states whether the repository has no working tree.
	IsBare bool
	// GitBackend is the backend.Backend used to persist and retrieve
	// the objects and the references. Defaults to a fsbackend.Backend
	// rooted at the resolved git directory.
	GitBackend backend.Backend
	// WorkingTreeBackend is the afero.Fs used to represent the working
	// tree. Defaults to the OS filesystem. Ignored when IsBare is true.
	WorkingTreeBackend afero.Fs
}

// OpenRepository opens the repository located at, or above, repoPath.
func OpenRepository(repoPath string) (*Repository, error) {
	return OpenRepositoryWithOptions(repoPath, OpenOptions{})
}

// OpenRepositoryWithOptions opens the repository located at, or
// above, repoPath, using the given options.
func OpenRepositoryWithOptions(repoPath string, opts OpenOptions) (*Repository, error) {
	copts := config.LoadConfigOptions{IsBare: opts.IsBare}
	if opts.IsBare {
		copts.GitDirPath = repoPath
	} else {
		copts.WorkingDirectory = repoPath
	}

	cfg, err := config.LoadConfigSkipEnv(copts)
	if err != nil {
		if xerrors.Is(err, pathutil.ErrNoRepo) {
			return nil, ErrRepositoryNotExist
		}
		return nil, xerrors.Errorf("could not load config: %w", err)
	}

	gitDirPath, err := resolveGitDirPath(cfg.GitDirPath)
	if err != nil {
		return nil, err
	}
	cfg.GitDirPath = gitDirPath

	// A linked worktree's git dir carries a "commondir" file pointing
	// at the repository that actually owns the refs and the objects.
	// We only use it to report CommonDirPath; the backend below still
	// reads and writes relative to GitDirPath, since fsbackend.Backend
	// doesn't support splitting a worktree's private HEAD from the
	// refs/objects of the repository it belongs to.
	cfg.CommonDirPath = cfg.GitDirPath
	if data, rErr := os.ReadFile(filepath.Join(cfg.GitDirPath, "commondir")); rErr == nil {
		p := strings.TrimSpace(string(data))
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.GitDirPath, p)
		}
		cfg.CommonDirPath = p
	} else if !os.IsNotExist(rErr) {
		return nil, xerrors.Errorf("could not read commondir: %w", rErr)
	}

	// r is constructed before its backend so the method value below can
	// be handed to fsbackend as a resolver: it captures r by pointer, so
	// it sees r.backend/r.alternates once they're populated further
	// down, even though neither exists yet at this point.
	r := &Repository{cfg: cfg}

	r.backend = opts.GitBackend
	if r.backend == nil {
		b, bErr := fsbackend.New(cfg.GitDirPath, fsbackend.WithExternalBaseResolver(r.resolveExternalDeltaBase))
		if bErr != nil {
			return nil, xerrors.Errorf("could not open backend: %w", bErr)
		}
		r.backend = b
	}

	if !opts.IsBare {
		r.wt = opts.WorkingTreeBackend
		if r.wt == nil {
			r.wt = afero.NewOsFs()
		}
	}

	// There's no version file we can rely on to validate a repository,
	// so instead we make sure HEAD resolves to something.
	if _, err := r.backend.Reference(ginternals.Head); err != nil {
		return nil, xerrors.Errorf("%s: %w", repoPath, ErrRepositoryNotExist)
	}

	alternates, err := loadAlternates(cfg.ObjectDirPath, r.resolveExternalDeltaBase)
	if err != nil {
		return nil, xerrors.Errorf("could not load alternates: %w", err)
	}
	r.alternates = alternates

	return r, nil
}

// resolveExternalDeltaBase is installed on every packfile (this
// repository's own and every alternate's) so a REF_DELTA whose base
// isn't in the pack's own index can be resolved against the full
// repository: its other packs, its loose objects, and its alternates.
func (r *Repository) resolveExternalDeltaBase(id ginternals.Oid) (object.Type, []byte, error) {
	o, err := r.GetObject(id)
	if err != nil {
		return 0, nil, err
	}
	return o.Type(), o.Bytes(), nil
}

// resolveGitDirPath follows a ".git" file's "gitdir: <path>" pointer
// (used by worktrees and submodules) down to the real git directory.
// It's a no-op when p already is a directory.
func resolveGitDirPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrRepositoryNotExist
		}
		return "", xerrors.Errorf("could not stat %s: %w", p, err)
	}
	if info.IsDir() {
		return p, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return "", xerrors.Errorf("could not read %s: %w", p, err)
	}
	const prefix = "gitdir: "
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, prefix) {
		return "", xerrors.Errorf("%s: %w", p, ErrRepositoryNotExist)
	}
	target := strings.TrimSpace(strings.TrimPrefix(content, prefix))
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(p), target)
	}
	return target, nil
}

// loadAlternates reads objectDirPath/info/alternates and recursively
// opens every listed object store. A missing alternates file isn't an
// error: most repositories don't have one. resolver is installed on
// every alternate's packfiles too, so a delta base missing from an
// alternate's own index can still be resolved against the full
// repository.
func loadAlternates(objectDirPath string, resolver packfile.ExternalBaseResolver) ([]backend.Backend, error) {
	data, err := os.ReadFile(filepath.Join(objectDirPath, "info", "alternates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("could not read alternates: %w", err)
	}

	var out []backend.Backend
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, entry := range splitAlternatesLine(line) {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if !filepath.IsAbs(entry) {
				entry = filepath.Join(objectDirPath, entry)
			}
			// entry points at an "objects" directory; fsbackend wants
			// the directory that contains it.
			altRoot := filepath.Dir(entry)
			b, bErr := fsbackend.New(altRoot, fsbackend.WithExternalBaseResolver(resolver))
			if bErr != nil {
				return nil, xerrors.Errorf("could not open alternate %s: %w", entry, bErr)
			}
			out = append(out, b)

			nested, nErr := loadAlternates(entry, resolver)
			if nErr != nil {
				return nil, nErr
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// splitAlternatesLine splits a single info/alternates line on its
// path separator. On POSIX it's ':'. On Windows a drive letter
// ("C:\...") would be mistaken for a separator, so the first two
// characters of each entry are skipped before searching for one.
func splitAlternatesLine(line string) []string {
	if runtime.GOOS != "windows" {
		return strings.Split(line, ":")
	}

	var parts []string
	start := 0
	for start < len(line) {
		searchFrom := start + 2
		if searchFrom > len(line) {
			searchFrom = len(line)
		}
		idx := strings.IndexByte(line[searchFrom:], ':')
		if idx == -1 {
			parts = append(parts, line[start:])
			break
		}
		end := searchFrom + idx
		parts = append(parts, line[start:end])
		start = end + 1
	}
	return parts
}

// Close releases the resources held by the repository and its
// alternates.
func (r *Repository) Close() error {
	var firstErr error
	if err := r.backend.Close(); err != nil {
		firstErr = err
	}
	for _, alt := range r.alternates {
		if err := alt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsBare returns whether the repository has no working tree.
func (r *Repository) IsBare() bool {
	return r.wt == nil
}

// HeadReference describes what HEAD currently points at: either the
// name of the branch it's attached to, or the id it's detached at.
type HeadReference struct {
	// Name is the full name of the branch HEAD is attached to
	// (e.g. "refs/heads/main"). It's empty when HEAD is detached.
	Name string
	// ID is the object HEAD (transitively) resolves to.
	ID ginternals.Oid
	// IsDetached is true when HEAD points directly at an object id
	// instead of at a branch.
	IsDetached bool
}

// HeadRefOrID returns the branch HEAD is attached to, or the object
// id it's detached at.
func (r *Repository) HeadRefOrID() (*HeadReference, error) {
	ref, err := r.backend.Reference(ginternals.Head)
	if err != nil {
		return nil, xerrors.Errorf("could not resolve HEAD: %w", err)
	}
	if ref.Type() == ginternals.SymbolicReference {
		return &HeadReference{Name: ref.SymbolicTarget(), ID: ref.Target()}, nil
	}
	return &HeadReference{ID: ref.Target(), IsDetached: true}, nil
}

// HeadCommitID resolves HEAD, following any symbolic reference, down
// to the object id it ultimately points at.
func (r *Repository) HeadCommitID() (ginternals.Oid, error) {
	ref, err := r.backend.Reference(ginternals.Head)
	if err != nil {
		return ginternals.NullOid, xerrors.Errorf("could not resolve HEAD: %w", err)
	}
	return ref.Target(), nil
}

// GetTag returns the reference for the tag with the given short name
// (e.g. "v1.0.0" for "refs/tags/v1.0.0").
func (r *Repository) GetTag(name string) (*ginternals.Reference, error) {
	return r.backend.Reference(ginternals.LocalTagFullName(name))
}

// resolveRef resolves name as a reference. If name isn't already a
// fully qualified ref (it doesn't start with "refs/" and isn't
// "HEAD"), the usual branch/tag/remote locations are tried in turn,
// the same way `git rev-parse` disambiguates a short name.
func (r *Repository) resolveRef(name string) (*ginternals.Reference, error) {
	ref, err := r.backend.Reference(name)
	if err == nil {
		return ref, nil
	}
	if !xerrors.Is(err, ginternals.ErrRefNotFound) {
		return nil, err
	}
	if name == ginternals.Head || strings.HasPrefix(name, "refs/") {
		return nil, err
	}

	for _, candidate := range []string{
		ginternals.LocalBranchFullName(name),
		ginternals.LocalTagFullName(name),
		"refs/remotes/" + name,
	} {
		ref, cErr := r.backend.Reference(candidate)
		if cErr == nil {
			return ref, nil
		}
		if !xerrors.Is(cErr, ginternals.ErrRefNotFound) {
			return nil, cErr
		}
	}
	return nil, err
}

// Lookup resolves revision, which may be a ref name (short or fully
// qualified) or a, possibly partial, hex object id, down to an object
// id. It returns ginternals.ErrObjectNotFound wrapped when revision
// doesn't exist or a partial id is ambiguous.
func (r *Repository) Lookup(revision string) (ginternals.Oid, error) {
	if revision == "" {
		return ginternals.NullOid, xerrors.Errorf("empty revision: %w", ginternals.ErrObjectNotFound)
	}

	ref, err := r.resolveRef(revision)
	if err == nil {
		return ref.Target(), nil
	}
	if !xerrors.Is(err, ginternals.ErrRefNotFound) {
		return ginternals.NullOid, err
	}
	return r.lookupPrefix(revision)
}

// matchSet accumulates the object ids matching a partial id, along
// with whether more than one distinct id was found.
type matchSet struct {
	oids      map[ginternals.Oid]struct{}
	ambiguous bool
}

func newMatchSet() *matchSet {
	return &matchSet{oids: map[ginternals.Oid]struct{}{}}
}

func (m *matchSet) add(oid ginternals.Oid) {
	m.oids[oid] = struct{}{}
	if len(m.oids) > 1 {
		m.ambiguous = true
	}
}

func (m *matchSet) resolve() (ginternals.Oid, bool) {
	if m.ambiguous || len(m.oids) != 1 {
		return ginternals.NullOid, false
	}
	for oid := range m.oids {
		return oid, true
	}
	return ginternals.NullOid, false
}

// packPrefixSearcher is implemented by backends that can search their
// packfiles for a partial object id without decompressing any object.
// fsbackend.Backend implements it; it's kept out of backend.Backend
// since not every backend necessarily carries packfiles.
type packPrefixSearcher interface {
	FindInPacks(prefix []byte, endsWithHalfByte bool) (id ginternals.Oid, found bool, ambiguous bool, err error)
}

// collectPrefixMatches adds to m every object id in b whose hex
// representation starts with prefix.
func collectPrefixMatches(b backend.Backend, prefix string, raw []byte, endsWithHalfByte bool, m *matchSet) error {
	if ps, ok := b.(packPrefixSearcher); ok {
		oid, found, ambiguous, err := ps.FindInPacks(raw, endsWithHalfByte)
		if err != nil {
			return xerrors.Errorf("could not search packs: %w", err)
		}
		switch {
		case ambiguous:
			m.ambiguous = true
		case found:
			m.add(oid)
		}
	}

	return b.WalkLooseObjectIDs(func(oid ginternals.Oid) error {
		if strings.HasPrefix(oid.String(), prefix) {
			m.add(oid)
		}
		return nil
	})
}

// lookupPrefix resolves a 1-40 character hex prefix to the single
// object id it matches, across the main object store and every
// alternate. It fails with ginternals.ErrObjectNotFound both when no
// object matches and when more than one does: like real git, an
// ambiguous prefix is reported as "not found", not as an error of its
// own kind.
func (r *Repository) lookupPrefix(prefix string) (ginternals.Oid, error) {
	prefix = strings.ToLower(prefix)
	raw, endsWithHalfByte, err := hexPrefixToBytes(prefix)
	if err != nil {
		return ginternals.NullOid, xerrors.Errorf("%q: %w", prefix, ginternals.ErrObjectNotFound)
	}

	m := newMatchSet()
	if err := collectPrefixMatches(r.backend, prefix, raw, endsWithHalfByte, m); err != nil {
		return ginternals.NullOid, err
	}
	for _, alt := range r.alternates {
		if err := collectPrefixMatches(alt, prefix, raw, endsWithHalfByte, m); err != nil {
			return ginternals.NullOid, err
		}
	}

	if oid, ok := m.resolve(); ok {
		return oid, nil
	}
	return ginternals.NullOid, xerrors.Errorf("%q: %w", prefix, ginternals.ErrObjectNotFound)
}

// hexPrefixToBytes turns a 1-40 character hex prefix into its raw
// byte form. An odd-length prefix has its last nibble padded with a
// 0, and endsWithHalfByte is set so callers only compare the high
// nibble of the last byte.
func hexPrefixToBytes(prefix string) ([]byte, bool, error) {
	n := len(prefix)
	if n < 1 || n > ginternals.OidHexSize {
		return nil, false, ginternals.ErrInvalidOid
	}
	for _, c := range prefix {
		if !isHexDigit(c) {
			return nil, false, ginternals.ErrInvalidOid
		}
	}

	endsWithHalfByte := n%2 != 0
	padded := prefix
	if endsWithHalfByte {
		padded += "0"
	}
	b, err := hex.DecodeString(padded)
	if err != nil {
		return nil, false, xerrors.Errorf("%q is not valid hex: %w", prefix, ginternals.ErrInvalidOid)
	}
	return b, endsWithHalfByte, nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// ShortID returns the shortest prefix of id, at least minLen
// characters long, that unambiguously resolves back to id within the
// repository.
func (r *Repository) ShortID(id ginternals.Oid, minLen int) (string, error) {
	full := id.String()
	if minLen < 1 {
		minLen = 1
	}
	if minLen > len(full) {
		return full, nil
	}

	for l := minLen; l < len(full); l++ {
		candidate := full[:l]
		resolved, err := r.lookupPrefix(candidate)
		if err == nil && resolved == id {
			return candidate, nil
		}
	}
	return full, nil
}

// GetObject returns the object with the given id, searching the main
// object store then every alternate in turn.
func (r *Repository) GetObject(id ginternals.Oid) (*object.Object, error) {
	o, err := r.backend.Object(id)
	if err == nil {
		return o, nil
	}
	if !xerrors.Is(err, ginternals.ErrObjectNotFound) {
		return nil, err
	}

	for _, alt := range r.alternates {
		o, err = alt.Object(id)
		if err == nil {
			return o, nil
		}
		if !xerrors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, err
		}
	}
	return nil, ginternals.ErrObjectNotFound
}

// TryGetObject returns the object with the given id, but only if its
// type matches expectedType. It returns (nil, nil), not an error,
// both when the object doesn't exist and when it exists but has a
// different type.
func (r *Repository) TryGetObject(id ginternals.Oid, expectedType object.Type) (*object.Object, error) {
	o, err := r.GetObject(id)
	if err != nil {
		if xerrors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, nil //nolint:nilnil // absence is a valid, non-error result here
		}
		return nil, err
	}
	if o.Type() != expectedType {
		return nil, nil //nolint:nilnil // type mismatch is a valid, non-error result here
	}
	return o, nil
}

// GetCommit returns the commit with the given id. readAuthor defaults
// to true; pass false to skip parsing the author line when it's not
// needed.
func (r *Repository) GetCommit(id ginternals.Oid, readAuthor ...bool) (*object.Commit, error) {
	ra := true
	if len(readAuthor) > 0 {
		ra = readAuthor[0]
	}

	o, err := r.GetObject(id)
	if err != nil {
		return nil, err
	}
	return o.AsCommit(ra)
}

// GetTree returns the tree with the given id.
func (r *Repository) GetTree(id ginternals.Oid) (*object.Tree, error) {
	o, err := r.GetObject(id)
	if err != nil {
		return nil, err
	}
	return o.AsTree()
}

// GetTreeEntry returns the id of the entry named name directly under
// the tree treeID, without materializing the tree's full entry list:
// parsing stops at the first match. found is false, with a nil error,
// when the tree has no such entry.
func (r *Repository) GetTreeEntry(treeID ginternals.Oid, name []byte) (id ginternals.Oid, found bool, err error) {
	o, err := r.GetObject(treeID)
	if err != nil {
		return ginternals.NullOid, false, err
	}
	if o.Type() != object.TypeTree {
		return ginternals.NullOid, false, xerrors.Errorf("%s is not a tree: %w", treeID, object.ErrObjectInvalid)
	}

	data := o.Bytes()
	offset := 0
	for offset < len(data) {
		modeData := readutil.ReadTo(data[offset:], ' ')
		if len(modeData) == 0 {
			return ginternals.NullOid, false, xerrors.Errorf("could not parse entry mode: %w", object.ErrTreeInvalid)
		}
		offset += len(modeData) + 1

		pathData := readutil.ReadTo(data[offset:], 0)
		if len(pathData) == 0 {
			return ginternals.NullOid, false, xerrors.Errorf("could not parse entry path: %w", object.ErrTreeInvalid)
		}
		offset += len(pathData) + 1

		if offset+ginternals.OidSize > len(data) {
			return ginternals.NullOid, false, xerrors.Errorf("truncated tree entry: %w", object.ErrTreeInvalid)
		}
		entryID, oErr := ginternals.NewOidFromHex(data[offset : offset+ginternals.OidSize])
		if oErr != nil {
			return ginternals.NullOid, false, xerrors.Errorf("invalid entry id: %w", oErr)
		}
		offset += ginternals.OidSize

		if bytes.Equal(pathData, name) {
			return entryID, true, nil
		}
	}
	return ginternals.NullOid, false, nil
}

// peeledTagResolver is implemented by backends that can report a
// packed, annotated tag's peeled commit directly from the
// packed-refs "^" line, without reading the tag object.
// fsbackend.Backend implements it; kept out of backend.Backend since
// not every backend necessarily carries a packed-refs file.
type peeledTagResolver interface {
	PeeledTarget(name string) (id ginternals.Oid, found bool, err error)
}

// LookupTags returns the full names (e.g. "refs/tags/v1.0.0") of
// every tag, lightweight or annotated, pointing at commitID.
func (r *Repository) LookupTags(commitID ginternals.Oid) ([]string, error) {
	var names []string
	err := r.backend.WalkReferences(func(ref *ginternals.Reference) error {
		if !strings.HasPrefix(ref.Name(), "refs/tags/") {
			return nil
		}
		// A lightweight tag points directly at the commit.
		if ref.Target() == commitID {
			names = append(names, ref.Name())
			return nil
		}
		// A packed, annotated tag's peel line already carries the
		// commit it points to: use it instead of reading the tag
		// object when available.
		if pr, ok := r.backend.(peeledTagResolver); ok {
			peeled, found, pErr := pr.PeeledTarget(ref.Name())
			if pErr != nil {
				return pErr
			}
			if found {
				if peeled == commitID {
					names = append(names, ref.Name())
				}
				return nil
			}
		}
		// An annotated tag points at a tag object, which in turn
		// points at the commit.
		o, oErr := r.GetObject(ref.Target())
		if oErr != nil {
			if xerrors.Is(oErr, ginternals.ErrObjectNotFound) {
				return nil
			}
			return oErr
		}
		if o.Type() != object.TypeTag {
			return nil
		}
		tag, tErr := o.AsTag()
		if tErr != nil {
			return nil
		}
		if tag.Target() == commitID {
			names = append(names, ref.Name())
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("could not walk tags: %w", err)
	}
	return names, nil
}
