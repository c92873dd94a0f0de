package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrPathTraversal,
		ErrSymlinkDetected,
		ErrNotFound,
		ErrTransientNetwork,
		ErrUnauthenticated,
		ErrInvalidState,
		ErrUntrustedLink,
		ErrCorruption,
		ErrMigrationTargetExists,
		ErrMigrationCountMismatch,
		ErrAlreadyRunning,
		ErrStuckDeletion,
		ErrExcludedPath,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"traversal", ErrPathTraversal, KindPathTraversal},
		{"wrapped symlink", fmt.Errorf("validating a/b: %w", ErrSymlinkDetected), KindSymlinkDetected},
		{"not found", fmt.Errorf("get: %w", ErrNotFound), KindNotFound},
		{"transient", fmt.Errorf("upload x: %w", ErrTransientNetwork), KindTransientNetwork},
		{"corruption", ErrCorruption, KindCorruption},
		{"unauthenticated", fmt.Errorf("refresh: %w", ErrUnauthenticated), KindUnauthenticated},
		{"csrf counts as auth", ErrInvalidState, KindUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "PathTraversal", KindPathTraversal.String())
	assert.Equal(t, "SymlinkDetected", KindSymlinkDetected.String())
	assert.Equal(t, "NotFound", KindNotFound.String())
	assert.Equal(t, "TransientNetwork", KindTransientNetwork.String())
	assert.Equal(t, "Corruption", KindCorruption.String())
	assert.Equal(t, "Unauthenticated", KindUnauthenticated.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}

func TestIsSecurity(t *testing.T) {
	assert.True(t, IsSecurity(fmt.Errorf("x: %w", ErrPathTraversal)))
	assert.True(t, IsSecurity(ErrSymlinkDetected))
	assert.False(t, IsSecurity(ErrNotFound))
	assert.False(t, IsSecurity(nil))
}
