package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "simple", in: "notes.txt", want: "notes.txt"},
		{name: "nested", in: "docs/report.pdf", want: "docs/report.pdf"},
		{name: "backslash separators", in: `docs\report.pdf`, want: "docs/report.pdf"},
		{name: "redundant elements", in: "docs/./a/../report.pdf", want: "docs/report.pdf"},
		{name: "empty", in: "", wantErr: true},
		{name: "dot", in: ".", wantErr: true},
		{name: "absolute", in: "/etc/passwd", wantErr: true},
		{name: "escape", in: "../bob/secret", wantErr: true},
		{name: "escape after clean", in: "a/../../x", wantErr: true},
		{name: "pipe", in: "a | b", wantErr: true},
		{name: "control char", in: "a\nb", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanPath(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidPath), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateOwner(t *testing.T) {
	assert.NoError(t, ValidateOwner("alice"))
	assert.NoError(t, ValidateOwner("bob.smith"))

	for _, bad := range []string{"", ".", "..", ".hidden", "a/b", `a\b`, "a|b", "a\x00b"} {
		assert.ErrorIs(t, ValidateOwner(bad), ErrInvalidOwner, "owner %q", bad)
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()

	full, rel, err := ResolvePath(root, "alice", `dir\f.txt`)
	require.NoError(t, err)
	assert.Equal(t, "dir/f.txt", rel)
	assert.Equal(t, filepath.Join(root, "alice", "dir", "f.txt"), full)

	_, _, err = ResolvePath(root, "../x", "f.txt")
	assert.ErrorIs(t, err, ErrInvalidOwner)
}
