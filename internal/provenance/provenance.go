// Package provenance identifies the revision of a version-controlled dataset
// (plain git or DataLad) so raw inputs are hashed together with it.
package provenance

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info describes the dataset checkout.
type Info struct {
	// Revision is the HEAD commit hash, empty when the dataset is not a
	// repository or has no commits yet.
	Revision string
	Branch   string
}

// Versioned reports whether a revision was found.
func (i Info) Versioned() bool { return i.Revision != "" }

// ShortRevision returns the first 12 characters of the revision.
func (i Info) ShortRevision() string {
	if len(i.Revision) > 12 {
		return i.Revision[:12]
	}
	return i.Revision
}

// Inspect opens the repository containing root. A directory outside any
// repository yields an empty Info and no error.
func Inspect(root string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("open dataset repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("resolve dataset HEAD: %w", err)
	}

	info := Info{Revision: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, nil
}
