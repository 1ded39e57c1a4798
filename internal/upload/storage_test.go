package upload

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveAndOpen(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Save(strings.NewReader("payload"), ".png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".png"), "ref %q", ref)
	assert.NotContains(t, ref, "/")

	f, err := s.Open(ref)
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	s.Remove(ref)
	_, err = s.Open(ref)
	assert.Error(t, err)
}

func TestStore_UniqueRefs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ref, err := s.Save(strings.NewReader("x"), ".bin")
		require.NoError(t, err)
		require.False(t, seen[ref], "duplicate ref %q", ref)
		seen[ref] = true
	}
}

func TestStore_OpenRejectsTraversal(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"../secret", "a/b.png", "", ".", "..%2fsecret/x"} {
		_, err := s.Open(ref)
		assert.Error(t, err, "ref %q must be rejected", ref)
	}
}

func TestExtFor(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"report.PDF", ".pdf"},
		{"archive.tar.gz", ".gz"},
		{"noext", ".bin"},
		{"over.thetenbytelimit", ".bin"},
	}
	for _, tc := range cases {
		if got := ExtFor(tc.name); got != tc.want {
			t.Errorf("ExtFor(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
