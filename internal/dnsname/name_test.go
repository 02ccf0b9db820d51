package dnsname

import "testing"

func TestEqualIgnoresCase(t *testing.T) {
	a, err := New("Foo.Local")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("foo.local")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected %q to equal %q", a, b)
	}
	if a.String() != "Foo.Local" {
		t.Fatalf("expected on-wire case preserved, got %q", a.String())
	}
}

func TestIsSubdomainOf(t *testing.T) {
	local := MustNew("local")
	name := MustNew("x._foo._tcp.local")
	if !name.IsSubdomainOf(local) {
		t.Fatalf("expected %q to be a subdomain of %q", name, local)
	}
	other := MustNew("example.com")
	if other.IsSubdomainOf(local) {
		t.Fatalf("did not expect %q to be a subdomain of %q", other, local)
	}
}

func TestLabelLengthLimit(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := New(string(long) + ".local"); err == nil {
		t.Fatal("expected error for label exceeding 63 bytes")
	}
}

func TestJoin(t *testing.T) {
	got, err := Join("x", "_foo._tcp.local")
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "x._foo._tcp.local" {
		t.Fatalf("got %q", got)
	}
}
