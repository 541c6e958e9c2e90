package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestFromEntryPrefersIPv4(t *testing.T) {
	entry := zeroconf.NewServiceEntry("paircode-lab", Service, Domain)
	entry.HostName = "lab.local."
	entry.Port = 8000
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	ep := fromEntry(entry)
	if ep.Instance != "paircode-lab" || ep.Port != 8000 {
		t.Fatalf("endpoint = %+v", ep)
	}
	if got := ep.URL(); got != "http://192.168.1.20:8000" {
		t.Fatalf("URL = %q", got)
	}
}

func TestURLFallsBackToHost(t *testing.T) {
	ep := Endpoint{Host: "lab.local.", Port: 9000}
	if got := ep.URL(); got != "http://lab.local.:9000" {
		t.Fatalf("URL = %q", got)
	}
	v6 := Endpoint{Port: 80, Addrs: []net.IP{net.ParseIP("fe80::1")}}
	if got := v6.URL(); got != "http://[fe80::1]:80" {
		t.Fatalf("URL = %q", got)
	}
}
