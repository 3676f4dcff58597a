package redisx

import "testing"

func TestParseURL(t *testing.T) {
	opts, err := ParseURL("localhost:6379")
	if err != nil || len(opts.Addrs) != 1 || opts.Addrs[0] != "localhost:6379" {
		t.Fatalf("plain addr: %+v %v", opts, err)
	}
	opts, err = ParseURL("rediss://user:pw@h1:6379,h2:6379/3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Username != "user" || opts.Password != "pw" || opts.DB != 3 || len(opts.Addrs) != 2 || opts.TLSConfig == nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, err = ParseURL("redis://h:1?db=2")
	if err != nil || opts.DB != 2 {
		t.Fatalf("db query: %+v %v", opts, err)
	}
	opts, err = ParseURL("redis-sentinel://h:26379/mymaster?sentinel_password=s")
	if err != nil || opts.MasterName != "mymaster" || opts.SentinelPassword != "s" {
		t.Fatalf("sentinel: %+v %v", opts, err)
	}
	if _, err := ParseURL("http://h"); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := ParseURL("redis://h/x"); err == nil {
		t.Fatal("expected db error")
	}
}
