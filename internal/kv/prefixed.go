package kv

import "time"

// Prefixed wraps a Store and namespaces every key with a fixed prefix,
// letting several independent logical caches (channel tuples, blacklist
// state, GET counters) share one physical memcache ring without
// colliding. Unlike the source this repo is modeled on, the configured
// prefix is actually stored and applied on every call.
type Prefixed struct {
	prefix string
	inner  Store
}

// NewPrefixed returns a Store that namespaces keys under prefix before
// delegating to inner.
func NewPrefixed(prefix string, inner Store) *Prefixed {
	return &Prefixed{prefix: prefix, inner: inner}
}

func (p *Prefixed) key(key string) string {
	return p.prefix + key
}

func (p *Prefixed) Get(key string) (any, error) {
	return p.inner.Get(p.key(key))
}

func (p *Prefixed) Set(key string, value any, ttl time.Duration) error {
	return p.inner.Set(p.key(key), value, ttl)
}

func (p *Prefixed) Add(key string, value any, ttl time.Duration) (bool, error) {
	return p.inner.Add(p.key(key), value, ttl)
}

func (p *Prefixed) Replace(key string, value any, ttl time.Duration) (bool, error) {
	return p.inner.Replace(p.key(key), value, ttl)
}

func (p *Prefixed) CAS(key string, value any, ttl time.Duration, token uint64) (bool, error) {
	return p.inner.CAS(p.key(key), value, ttl, token)
}

func (p *Prefixed) Incr(key string) (int64, error) {
	return p.inner.Incr(p.key(key))
}

func (p *Prefixed) Delete(key string) error {
	return p.inner.Delete(p.key(key))
}
