// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowsocks

import (
	"bytes"
	"testing"
)

func TestAddrRoundTripIPv4(t *testing.T) {
	buf, err := AppendAddr(nil, "192.0.2.1", 443)
	if err != nil {
		t.Fatal(err)
	}
	addr, n, err := ParseAddr(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if addr.AddrType != AddrTypeIPv4 || addr.IP.String() != "192.0.2.1" || addr.Port != 443 {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestAddrRoundTripIPv6(t *testing.T) {
	buf, err := AppendAddr(nil, "2001:db8::1", 8080)
	if err != nil {
		t.Fatal(err)
	}
	addr, _, err := ParseAddr(buf)
	if err != nil {
		t.Fatal(err)
	}
	if addr.AddrType != AddrTypeIPv6 || addr.Port != 8080 {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestAddrRoundTripDomain(t *testing.T) {
	buf, err := AppendAddr(nil, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	addr, n, err := ParseAddr(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if addr.AddrType != AddrTypeDomain || addr.Domain != "example.com" || addr.Port != 80 {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestParseAddrTruncated(t *testing.T) {
	buf, err := AppendAddr(nil, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ParseAddr(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestParseAddrUnknownType(t *testing.T) {
	if _, _, err := ParseAddr([]byte{0x7f, 1, 2, 3}); err == nil {
		t.Fatal("expected an error for an unrecognized ATYP")
	}
}

func TestReadAddrMatchesParseAddr(t *testing.T) {
	buf, err := AppendAddr(nil, "example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	want, _, err := ParseAddr(buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadAddr(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if got.Domain != want.Domain || got.Port != want.Port {
		t.Fatalf("ReadAddr = %+v, want %+v", got, want)
	}
}

func TestReadAddrTruncatedStream(t *testing.T) {
	buf, err := AppendAddr(nil, "192.0.2.1", 80)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAddr(bytes.NewReader(buf[:2])); err == nil {
		t.Fatal("expected an error reading a truncated stream")
	}
}

func TestAppendAddrDomainTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := AppendAddr(nil, string(long), 80); err == nil {
		t.Fatal("expected an error for an over-length domain name")
	}
}
