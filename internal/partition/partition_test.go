// SPDX-License-Identifier: Apache-2.0

package partition

import "testing"

func TestKeyStable(t *testing.T) {
	a := Key("T1", "E1")
	b := Key("T1", "E1")
	if a != b {
		t.Fatalf("expected stable key, got %s and %s", a, b)
	}
	if a == Key("T2", "E1") {
		t.Fatal("expected tenant to influence key")
	}
	if a == Key("T1", "E2") {
		t.Fatal("expected exception to influence key")
	}
}

func TestKeyTenantScoped(t *testing.T) {
	if Key("T1", "") == Key("T1", "E1") {
		t.Fatal("expected tenant-scoped key to differ from exception key")
	}
	if Key("T1", "") != Key("T1", "") {
		t.Fatal("expected tenant-scoped key to be stable")
	}
}

func TestLaneBounds(t *testing.T) {
	for _, lanes := range []int{0, 1, 3, 16} {
		for i := 0; i < 100; i++ {
			key := Key("T1", "E"+string(rune('A'+i%26))+string(rune('a'+i/26)))
			lane := Lane(key, lanes)
			if lane < 0 || (lanes > 1 && lane >= lanes) || (lanes <= 1 && lane != 0) {
				t.Fatalf("lane %d out of range for %d lanes", lane, lanes)
			}
			if lane != Lane(key, lanes) {
				t.Fatal("expected lane assignment to be stable")
			}
		}
	}
}
