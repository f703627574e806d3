package fsbackend

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nivl/git-go/backend"
	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/internal/gitpath"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Reference returns a stored reference from its name
// ErrRefNotFound is returned if the reference doesn't exists
func (b *Backend) Reference(name string) (*ginternals.Reference, error) {
	var packedRef map[string]string

	finder := func(name string) ([]byte, error) {
		data, err := ioutil.ReadFile(b.systemPath(name))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, xerrors.Errorf("could not read reference content: %w", err)
			}
			// if the reference can't be found on disk, it might be
			// in the packed-ref file
			if packedRef == nil {
				packedRef, _, err = b.parsePackedRefs()
				if err != nil {
					return nil, xerrors.Errorf("couldn't load packed-refs: %w", err)
				}
			}
			sha, ok := packedRef[name]
			if !ok {
				return nil, xerrors.Errorf(`ref "%s": %w`, name, ginternals.ErrRefNotFound)
			}
			return []byte(sha), nil
		}
		return data, nil
	}
	return ginternals.ResolveReference(name, finder)
}

// systemPath returns a path from a ref name
// Ex.: On windows refs/heads/master would return refs\heads\master
func (b *Backend) systemPath(name string) string {
	switch os.PathSeparator {
	case '/':
		return filepath.Join(b.root, name)
	default:
		name = filepath.FromSlash(name)
		return filepath.Join(b.root, name)
	}
}

// parsePackedRefs parses the packed-refs file and returns a map
// refName => Oid, along with the peeled commit oid of every annotated
// tag that has a "^"-prefixed peel line (the line immediately
// following a tag ref, carrying the commit the tag object ultimately
// points to).
// https://git-scm.com/docs/git-pack-refs
func (b *Backend) parsePackedRefs() (refs map[string]string, peeled map[string]string, err error) {
	refs = map[string]string{}
	peeled = map[string]string{}
	f, err := b.fs.Open(filepath.Join(b.root, gitpath.PackedRefsPath))
	if err != nil {
		// if the file doesn't exist we just return empty maps
		if os.IsNotExist(err) {
			return refs, peeled, nil
		}
		return nil, nil, xerrors.Errorf("could not open %s: %w", gitpath.PackedRefsPath, err)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()

	var lastRefName string
	sc := bufio.NewScanner(f)
	for i := 1; sc.Scan(); i++ {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		// a peel line always refers to the ref on the line right above it
		if line[0] == '^' {
			if lastRefName == "" {
				return nil, nil, xerrors.Errorf("unexpected peel line %d: %w", i, ginternals.ErrPackedRefInvalid)
			}
			peeled[lastRefName] = line[1:]
			continue
		}
		// We expected data to have the format:
		// "oid ref-name"
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, nil, xerrors.Errorf("unexpected data line %d: %w", i, ginternals.ErrPackedRefInvalid)
		}
		refs[parts[1]] = parts[0]
		lastRefName = parts[1]
	}

	if sc.Err() != nil {
		return nil, nil, xerrors.Errorf("could not parse %s: %w", gitpath.PackedRefsPath, err)
	}

	return refs, peeled, nil
}

// PeeledTarget returns the commit oid a packed, annotated tag ultimately
// points to, read directly from the packed-refs peel line instead of
// opening the tag object. found is false when name isn't a packed ref,
// or is packed but has no peel line (e.g. a lightweight tag).
func (b *Backend) PeeledTarget(name string) (id ginternals.Oid, found bool, err error) {
	_, peeled, err := b.parsePackedRefs()
	if err != nil {
		return ginternals.NullOid, false, xerrors.Errorf("couldn't load packed-refs: %w", err)
	}
	sha, ok := peeled[name]
	if !ok {
		return ginternals.NullOid, false, nil
	}
	id, err = ginternals.NewOidFromStr(sha)
	if err != nil {
		return ginternals.NullOid, false, xerrors.Errorf("invalid peeled oid %q for %s: %w", sha, name, err)
	}
	return id, true, nil
}

// WalkReferences runs f against every loose reference under refs/,
// then every packed-refs entry not shadowed by a loose one. The order
// within each source isn't guaranteed. Returning backend.WalkStop from
// f stops the walk without returning an error.
func (b *Backend) WalkReferences(f backend.RefWalkFunc) error {
	seen := map[string]struct{}{}
	refsDir := filepath.Join(b.root, "refs")

	walkErr := afero.Walk(b.fs, refsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // repo might not have a refs/ dir yet
		}
		if info.IsDir() {
			return nil
		}

		rel, rErr := filepath.Rel(b.root, path)
		if rErr != nil {
			return xerrors.Errorf("could not get relative path of %s: %w", path, rErr)
		}
		name := filepath.ToSlash(rel)

		ref, rErr := b.Reference(name)
		if rErr != nil {
			return xerrors.Errorf("could not resolve %s: %w", name, rErr)
		}
		seen[name] = struct{}{}
		return f(ref)
	})
	if walkErr != nil {
		if walkErr == backend.WalkStop { //nolint:errorlint,goerr113 // fake error, no need for Is()
			return nil
		}
		return xerrors.Errorf("could not walk loose references: %w", walkErr)
	}

	packedRefs, _, err := b.parsePackedRefs()
	if err != nil {
		return xerrors.Errorf("could not load packed-refs: %w", err)
	}
	for name, sha := range packedRefs {
		if _, ok := seen[name]; ok {
			continue
		}
		oid, oErr := ginternals.NewOidFromStr(sha)
		if oErr != nil {
			return xerrors.Errorf("invalid oid %q for packed ref %s: %w", sha, name, oErr)
		}
		if err := f(ginternals.NewReference(name, oid)); err != nil {
			if err == backend.WalkStop { //nolint:errorlint,goerr113 // fake error, no need for Is()
				return nil
			}
			return err
		}
	}
	return nil
}

// WriteReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *Backend) WriteReference(ref *ginternals.Reference) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}

	target := ""
	switch ref.Type() {
	case ginternals.SymbolicReference:
		target = fmt.Sprintf("ref: %s\n", ref.SymbolicTarget())
	case ginternals.OidReference:
		target = fmt.Sprintf("%s\n", ref.Target().String())
	default:
		return xerrors.Errorf("reference type %d: %w", ref.Type(), ginternals.ErrUnknownRefType)
	}
	err := ioutil.WriteFile(b.systemPath(ref.Name()), []byte(target), 0o644)
	if err != nil {
		return xerrors.Errorf("could not persist reference to disk: %w", err)
	}
	return nil
}

// WriteReferenceSafe writes the given reference in the db
// ErrRefExists is returned if the reference already exists
func (b *Backend) WriteReferenceSafe(ref *ginternals.Reference) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}

	// First we check if the reference is on disk
	p := b.systemPath(ref.Name())
	_, err := b.fs.Stat(p)
	if !os.IsNotExist(err) {
		if err != nil {
			return xerrors.Errorf("could not check if reference exists on disk: %w", err)
		}
		return ginternals.ErrRefExists
	}

	// Now we check if the reference is on the packed-refs file
	refs, _, err := b.parsePackedRefs()
	if err != nil {
		return xerrors.Errorf("could not check %s: %w", gitpath.PackedRefsPath, err)
	}
	if _, ok := refs[ref.Name()]; ok {
		return ginternals.ErrRefExists
	}

	return b.WriteReference(ref)
}
