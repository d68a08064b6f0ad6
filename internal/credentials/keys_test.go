package credentials

import (
	"testing"
)

func TestNewKeyPairClampsPrivateKey(t *testing.T) {
	savedRandomFn := randomFn
	randomFn = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 0xff
		}
		return len(b), nil
	}
	defer func() { randomFn = savedRandomFn }()

	kp, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if kp.Private[0]&7 != 0 {
		t.Fatal("low bits not cleared")
	}
	if kp.Private[31]&128 != 0 {
		t.Fatal("high bit not cleared")
	}
	if kp.Private[31]&64 == 0 {
		t.Fatal("second-highest bit not set")
	}
	var zero [32]byte
	if kp.Public == zero {
		t.Fatal("public key not derived")
	}
}

func TestNewKeyPairIsRandom(t *testing.T) {
	a, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if a.Public == b.Public {
		t.Fatal("two fresh key pairs should differ")
	}
}
