// Package release works out which application version is being deployed.
package release

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/epicollect5/e5deploy/internal/shell"
)

// ErrNoTags is returned when the repository has no semantic version tags
var ErrNoTags = errors.New("no release tags found")

// Version is a release tag and its compact form
type Version struct {
	// Tag as it appears in the repository (e.g. "6.1.2")
	Tag string
	// Release is the tag without dots (e.g. "612"), used for cache busting
	Release string
}

// LatestTag asks the remote for its tags and returns the highest version
func LatestTag(ctx context.Context, r shell.Runner, repository string) (Version, error) {
	out, err := r.Run(ctx, shell.Quote("git", "ls-remote", "--tags", "--refs", repository))
	if err != nil {
		return Version{}, fmt.Errorf("failed to list tags of %s: %w", repository, err)
	}

	tag, ok := HighestTag(ParseLsRemote(out))
	if !ok {
		return Version{}, ErrNoTags
	}
	return Version{Tag: tag, Release: Compact(tag)}, nil
}

// ParseLsRemote extracts tag names from `git ls-remote --tags` output
func ParseLsRemote(out string) []string {
	var tags []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		ref := strings.TrimSuffix(fields[1], "^{}")
		if name, ok := strings.CutPrefix(ref, "refs/tags/"); ok && name != "" {
			tags = append(tags, name)
		}
	}
	return tags
}

// HighestTag returns the greatest released semantic version among tags.
// Tags are accepted with or without a leading "v". Pre-releases and
// non-semver tags are ignored.
func HighestTag(tags []string) (string, bool) {
	best, bestCanon := "", ""
	for _, tag := range tags {
		canon := canonical(tag)
		if canon == "" || semver.Prerelease(canon) != "" {
			continue
		}
		if bestCanon == "" || semver.Compare(canon, bestCanon) > 0 {
			best, bestCanon = tag, canon
		}
	}
	return best, best != ""
}

func canonical(tag string) string {
	v := tag
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Compact strips the dots of a tag: "6.1.2" -> "612", "v6.1.2" -> "v612"
func Compact(tag string) string {
	return strings.ReplaceAll(tag, ".", "")
}
