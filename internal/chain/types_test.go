package chain

import "testing"

func TestIDPeer(t *testing.T) {
	if Home.Peer() != Side {
		t.Fatalf("Home.Peer() = %v, want Side", Home.Peer())
	}
	if Side.Peer() != Home {
		t.Fatalf("Side.Peer() = %v, want Home", Side.Peer())
	}
}

func TestParseID(t *testing.T) {
	cases := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{"home", Home, false},
		{"HOME", Home, false},
		{"side", Side, false},
		{"Side", Side, false},
		{"sidechain", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ParseID(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseID(%q): want error, got %v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseID(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseID(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		WSURI:         "ws://localhost:8546",
		Token:         addr(1),
		Relay:         addr(2),
		Account:       addr(3),
		Confirmations: 6,
		Timeout:       30,
		GasLimit:      200000,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	missing := valid
	missing.WSURI = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing wsuri")
	}

	zeroConfirmations := valid
	zeroConfirmations.Confirmations = 0
	if err := zeroConfirmations.Validate(); err == nil {
		t.Fatal("expected error for zero confirmations")
	}
}

func TestTransferEventIdentity(t *testing.T) {
	ev := TransferEvent{TxHash: hash(1), BlockHash: hash(2), BlockNumber: 100}
	id := ev.Identity()
	if id.TxHash != hash(1) || id.BlockHash != hash(2) || id.BlockNumber != 100 {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestAnchorEventIdentity(t *testing.T) {
	ev := AnchorEvent{BlockHash: hash(5), BlockNumber: 500}
	id := ev.Identity()
	if id.TxHash != hash(5) || id.BlockHash != hash(5) || id.BlockNumber != 500 {
		t.Fatalf("unexpected identity %+v", id)
	}
}
