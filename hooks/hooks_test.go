package hooks

import (
	"strings"
	"testing"

	"github.com/wippyai/wasm-tcpip/errors"
)

type outer struct{ name string }
type inner struct{ name string }

func TestRegistry_WriteOnce(t *testing.T) {
	r := New[*int, outer, inner]("test object")
	key := new(int)

	if err := r.SetOuter(key, outer{"o1"}); err != nil {
		t.Fatalf("SetOuter failed: %v", err)
	}
	if err := r.SetOuter(key, outer{"o2"}); !errors.IsKind(err, errors.KindProgrammer) {
		t.Errorf("second SetOuter error = %v, want programmer", err)
	}
	if err := r.SetInner(key, inner{"i1"}); err != nil {
		t.Fatalf("SetInner failed: %v", err)
	}
	if err := r.SetInner(key, inner{"i2"}); !errors.IsKind(err, errors.KindProgrammer) {
		t.Errorf("second SetInner error = %v, want programmer", err)
	}

	o, err := r.Outer(key)
	if err != nil || o.name != "o1" {
		t.Errorf("Outer = %v, %v", o, err)
	}
	i, err := r.Inner(key)
	if err != nil || i.name != "i1" {
		t.Errorf("Inner = %v, %v", i, err)
	}
}

func TestRegistry_Unset(t *testing.T) {
	r := New[*int, outer, inner]("tcp connection")
	key := new(int)

	_, err := r.Outer(key)
	if !errors.IsKind(err, errors.KindProgrammer) || !strings.Contains(err.Error(), "tcp connection outer hooks not set") {
		t.Errorf("Outer error = %v", err)
	}

	if err := r.SetOuter(key, outer{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Inner(key); !errors.IsKind(err, errors.KindProgrammer) {
		t.Errorf("Inner error = %v, want programmer", err)
	}
}

func TestRegistry_Delete(t *testing.T) {
	r := New[*int, outer, inner]("test")
	a, b := new(int), new(int)
	r.SetOuter(a, outer{"a"})
	r.SetOuter(b, outer{"b"})

	r.Delete(a)
	if _, err := r.Outer(a); err == nil {
		t.Error("hooks survived Delete")
	}
	if o, err := r.Outer(b); err != nil || o.name != "b" {
		t.Errorf("unrelated hooks lost: %v, %v", o, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}
