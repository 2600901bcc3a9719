// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sub

import (
	"errors"
	"testing"
)

const errTest = ErrorKind("test kind")

func TestNewError(t *testing.T) {
	err := NewError(errTest, "nonce %d", 5)
	if err.Error() != "test kind: nonce 5" {
		t.Fatalf("wrong message %q", err.Error())
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("kind not found by errors.Is")
	}
	var kind ErrorKind
	if !errors.As(err, &kind) || kind != errTest {
		t.Fatalf("kind not found by errors.As")
	}
}

func TestClosers(t *testing.T) {
	var order []int
	var c Closers
	for i := 0; i < 3; i++ {
		c.Add(func() error {
			order = append(order, i)
			if i == 1 {
				return errTest
			}
			return nil
		})
	}
	c.Close(Disabled)
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("wrong close order %v", order)
	}
	c.Close(Disabled)
	if len(order) != 3 {
		t.Fatalf("closers ran twice")
	}
}
