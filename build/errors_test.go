package build

import (
	"errors"
	"testing"
)

func TestComposeErrors(t *testing.T) {
	e1 := errors.New("one")
	e2 := errors.New("two")
	if got := ComposeErrors(nil, e1, nil, e2); got.Error() != "one; two" {
		t.Fatalf("got %q", got.Error())
	}
	if got := ComposeErrors(nil, nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestExtendErr(t *testing.T) {
	if got := ExtendErr("prefix", nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	e := errors.New("boom")
	if got := ExtendErr("prefix", e); got.Error() != "prefix: boom" {
		t.Fatalf("got %q", got.Error())
	}
}

func TestRetry(t *testing.T) {
	n := 0
	err := Retry(3, 0, func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
}
