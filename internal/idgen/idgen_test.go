package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(WagerPrefix)
	if !strings.HasPrefix(id, "wgr_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("wgr_")+24 {
		t.Fatalf("unexpected length %d", len(id))
	}
	if id == WithPrefix(WagerPrefix) {
		t.Fatal("ids must not repeat")
	}
}

func TestNew_IsUUID(t *testing.T) {
	if _, err := uuid.Parse(New()); err != nil {
		t.Fatalf("New() is not a uuid: %v", err)
	}
}

func TestBytes(t *testing.T) {
	if len(Bytes(32)) != 32 {
		t.Fatal("wrong length")
	}
	if len(Hex(4)) != 8 {
		t.Fatal("wrong hex length")
	}
}
