// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestOrderedEmbeddedFiles(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}
	for i, f := range files {
		if f.Version != i+1 {
			t.Fatalf("expected contiguous versions, %s has %d", f.Name, f.Version)
		}
		if len(f.Checksum) != 64 || strings.TrimSpace(f.SQL) == "" {
			t.Fatalf("incomplete migration %+v", f.Name)
		}
	}
}

func TestLoadSortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_later.sql": {Data: []byte("SELECT 10;")},
		"0002_early.sql": {Data: []byte("SELECT 2;")},
	}
	files, err := load(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if files[0].Name != "0002_early.sql" || files[1].Version != 10 {
		t.Fatalf("unexpected order %+v", files)
	}
}

func TestLoadRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no prefix": {"schema.sql": {Data: []byte("SELECT 1;")}},
		"zero":      {"0000_init.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"0001_a.sql": {Data: []byte("SELECT 1;")},
			"01_b.sql":   {Data: []byte("SELECT 1;")},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(fsys); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
