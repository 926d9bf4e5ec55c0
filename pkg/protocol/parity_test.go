package protocol

import "testing"

func TestParityOfKnownVectors(t *testing.T) {
	tests := []struct {
		payload string
		want    byte
	}{
		// "octoprint" carries 40 set bits.
		{"octoprint", '1'},
		// "a" = 0x61 has three set bits.
		{"a", '0'},
		// "c" = 0x63 has four set bits.
		{"c", '1'},
		{"", '1'},
	}
	for _, tt := range tests {
		if got := ParityOf(tt.payload); got != tt.want {
			t.Errorf("ParityOf(%q) = %c, want %c", tt.payload, got, tt.want)
		}
	}
}

func TestCheckParityRoundTrip(t *testing.T) {
	payloads := []string{"octoprint", "load_insert2", "unload_connect_ok", "cutter_cut", "hometoolrotate", "x"}
	for _, p := range payloads {
		if !CheckParity(AppendParity(p)) {
			t.Errorf("CheckParity(AppendParity(%q)) = false", p)
		}
	}
}

func TestCheckParitySingleBitFlip(t *testing.T) {
	payload := "load_insert3_ok"
	bit := ParityOf(payload)
	for i := 0; i < len(payload); i++ {
		for b := 0; b < 7; b++ {
			flipped := []byte(payload)
			flipped[i] ^= 1 << b
			if CheckParity(string(flipped) + string(bit)) {
				t.Fatalf("flip of byte %d bit %d not detected", i, b)
			}
		}
	}
}

func TestCheckParityEmpty(t *testing.T) {
	if CheckParity("") {
		t.Error("CheckParity(\"\") should be false")
	}
}

func TestSplitParity(t *testing.T) {
	payload, ok := SplitParity(AppendParity("cutter_stow_ok"))
	if !ok || payload != "cutter_stow_ok" {
		t.Errorf("SplitParity = %q, %v", payload, ok)
	}
	if _, ok := SplitParity("cutter_stow_okx"); ok {
		t.Error("expected parity failure")
	}
}
