package release

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicollect5/e5deploy/internal/shell/shelltest"
)

const lsRemote = `9f1c2e4d	refs/tags/5.9.0
a1b2c3d4	refs/tags/6.0.0
b2c3d4e5	refs/tags/6.1.2
c3d4e5f6	refs/tags/6.1.10
d4e5f6a7	refs/tags/nightly
e5f6a7b8	refs/tags/6.2.0-rc1
`

func TestParseLsRemote(t *testing.T) {
	tags := ParseLsRemote(lsRemote + "f6a7b8c9\trefs/tags/6.0.0^{}\nmalformed line here\n")
	assert.Equal(t, []string{"5.9.0", "6.0.0", "6.1.2", "6.1.10", "nightly", "6.2.0-rc1", "6.0.0"}, tags)
}

func TestHighestTag(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
		ok   bool
	}{
		{"numeric ordering", []string{"6.1.2", "6.1.10", "6.0.0"}, "6.1.10", true},
		{"prerelease ignored", []string{"6.2.0-rc1", "6.1.10"}, "6.1.10", true},
		{"only prereleases", []string{"7.0.0-beta"}, "", false},
		{"v prefix kept", []string{"v1.0.0", "0.9.0"}, "v1.0.0", true},
		{"non semver ignored", []string{"nightly", "latest"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := HighestTag(tt.tags)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompact(t *testing.T) {
	assert.Equal(t, "612", Compact("6.1.2"))
	assert.Equal(t, "v6110", Compact("v6.1.10"), "only dots are removed")
}

func TestLatestTag(t *testing.T) {
	ctx := context.Background()
	repo := "https://github.com/epicollect5/epicollect5-server.git"

	fake := shelltest.NewFake().On("git ls-remote", lsRemote)
	v, err := LatestTag(ctx, fake, repo)
	require.NoError(t, err)
	assert.Equal(t, Version{Tag: "6.1.10", Release: "6110"}, v)
	assert.True(t, fake.Ran("git ls-remote --tags --refs "+repo))

	empty := shelltest.NewFake().On("git ls-remote", "")
	_, err = LatestTag(ctx, empty, repo)
	assert.True(t, errors.Is(err, ErrNoTags))

	failing := shelltest.NewFake().Fail("git ls-remote", 128)
	_, err = LatestTag(ctx, failing, repo)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoTags))
}
