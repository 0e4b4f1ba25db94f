package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"4K", 4096},
		{"4k", 4096},
		{"64M", 64 << 20},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseSize("lots")
	assert.Error(t, err)
}

func TestLoadWorkload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
duration: 2s
groups:
  - name: db
    tasks: 4
    op: mixed
    block_size: 8K
    region: 1M
    shared: true
  - name: backup
    op: write
    pattern: sequential
    block_size: 128K
    priority: 7
`), 0o600))

	w, err := loadWorkload(path)
	require.NoError(t, err)
	require.NoError(t, w.validate(64<<20))

	assert.Equal(t, 2*time.Second, w.Duration)
	require.Len(t, w.Groups, 2)

	db := w.Groups[0]
	assert.Equal(t, 4, db.Tasks)
	assert.True(t, db.Shared)
	assert.Equal(t, "random", db.Pattern)
	assert.Equal(t, int64(8192), db.blockSize)
	assert.Equal(t, int64(1<<20), db.region)

	backup := w.Groups[1]
	assert.Equal(t, 1, backup.Tasks)
	assert.Equal(t, 7, backup.Priority)
	assert.Equal(t, int64(64<<20), backup.region)
}

func TestWorkloadValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		group Group
	}{
		{"bad op", Group{Op: "trim"}},
		{"bad pattern", Group{Pattern: "zigzag"}},
		{"unaligned block", Group{BlockSize: "1000"}},
		{"bad block", Group{BlockSize: "big"}},
		{"region too small", Group{BlockSize: "64K", Region: "4K"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Workload{Groups: []Group{tt.group}}
			assert.Error(t, w.validate(1<<20))
		})
	}

	assert.Error(t, (&Workload{}).validate(1<<20), "empty workload")
}

func TestDefaultWorkloadIsValid(t *testing.T) {
	w := defaultWorkload()
	require.NoError(t, w.validate(64<<20))
	assert.Len(t, w.Groups, 2)
}
