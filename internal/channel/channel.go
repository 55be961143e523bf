// Package channel implements the rendezvous state machine: channel
// creation, two-party admission, conditional put/get, report-and-delete,
// the GET-count cap, and TTL-based lifetime. It never sees an HTTP
// request or response directly — the httpapi package maps sentinel
// errors from this package onto status codes.
package channel

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"keyexchange/server/internal/kv"
	"keyexchange/server/internal/metrics"
)

// Tuple is stored through kv.Store's any-typed Get/Set, and the
// memcache backend gob-encodes that any via an interface value — gob
// requires the concrete type behind the interface to be registered
// before it will encode or decode it.
func init() {
	gob.Register(Tuple{})
}

// clientIDLen is the only accepted length for a client id.
const clientIDLen = 256

// alphabet channel ids are drawn from: digits 2-9 and lowercase letters
// excluding l and o, which are easy to misread against 1 and 0.
const alphabet = "23456789abcdefghijkmnpqrstuvwxyz"

// emptySentinel is the payload value of a channel that has not yet
// received a PUT.
const emptySentinel = "{}"

// maxIDAttempts bounds how many candidate channel ids a creation
// attempt will try before giving up.
const maxIDAttempts = 100

// maxReportLogBytes caps how much of a /report body is copied into its
// audit event.
const maxReportLogBytes = 2000

var (
	// ErrNotFound means the named channel does not exist (or no longer
	// exists, e.g. after admission deleted it).
	ErrNotFound = errors.New("channel: not found")
	// ErrBadClientID means the client id failed length validation.
	ErrBadClientID = errors.New("channel: bad client id")
	// ErrIntrusion means a third, unrecognized client id tried to touch
	// a channel that already has two registered parties; the channel is
	// deleted as a side effect of returning this error.
	ErrIntrusion = errors.New("channel: intrusion")
	// ErrPrecondition means an If-Match/If-None-Match check failed.
	ErrPrecondition = errors.New("channel: precondition failed")
	// ErrUnavailable means the KV backend failed in a way that leaves
	// the operation's outcome unknown or unsafe to assume succeeded.
	ErrUnavailable = errors.New("channel: backend unavailable")
	// ErrIDExhausted means channel id generation could not find an
	// unclaimed id within maxIDAttempts tries.
	ErrIDExhausted = errors.New("channel: id space exhausted")
)

// Tuple is the persisted state of one channel.
type Tuple struct {
	TTLEpoch int64
	IDs      []string
	Payload  []byte
	ETag     string // hex md5 of Payload, or "" when Payload is the sentinel
}

func newTuple(ttlEpoch int64, clientID string) Tuple {
	return Tuple{
		TTLEpoch: ttlEpoch,
		IDs:      []string{clientID},
		Payload:  []byte(emptySentinel),
		ETag:     "",
	}
}

func etagOf(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// Config holds the channel service's tunables (spec.md §6,
// "Configuration options (channel service)").
type Config struct {
	CIDLen   int
	TTL      time.Duration
	MaxGets  int
}

// DefaultConfig matches the defaults spec'd for the channel service.
func DefaultConfig() Config {
	return Config{CIDLen: 4, TTL: 300 * time.Second, MaxGets: 6}
}

// AuditFunc is called for protocol-violation and report events. It
// mirrors the CEF sink's log_cef(msg, severity, ...) call shape without
// coupling this package to the audit package's concrete types.
type AuditFunc func(event, message string, fields map[string]any)

// Service is the rendezvous state machine, operating against a shared
// kv.Store. It holds no in-process state of its own beyond config and
// is safe for concurrent use because kv.Store implementations are.
type Service struct {
	store   kv.Store
	cfg     Config
	audit   AuditFunc
	metrics *metrics.Metrics
	nowFn   func() time.Time
	randFn  func(n int) int // returns a random int in [0, n)
}

// New returns a Service backed by store. audit may be nil, in which
// case protocol-violation and report events are simply dropped. m may
// be nil, in which case channel lifecycle events are simply not
// counted.
func New(store kv.Store, cfg Config, audit AuditFunc, m *metrics.Metrics) *Service {
	if audit == nil {
		audit = func(string, string, map[string]any) {}
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		audit:   audit,
		metrics: m,
		nowFn:   time.Now,
		randFn:  rand.Intn,
	}
}

func (s *Service) channelCreated() {
	if s.metrics != nil {
		s.metrics.ChannelsCreated.Inc()
	}
}

func (s *Service) channelExpired(reason string) {
	if s.metrics != nil {
		s.metrics.ChannelsExpired.WithLabelValues(reason).Inc()
	}
}

func (s *Service) kvError() {
	if s.metrics != nil {
		s.metrics.KVErrors.Inc()
	}
}

func (s *Service) now() time.Time { return s.nowFn() }

func getCounterKey(cid string) string { return "GET:" + cid }

func validClientID(id string) bool {
	return len(id) == clientIDLen
}

func (s *Service) randomChannelID() string {
	b := make([]byte, s.cidLen())
	for i := range b {
		b[i] = alphabet[s.randFn(len(alphabet))]
	}
	return string(b)
}

func (s *Service) cidLen() int {
	if s.cfg.CIDLen <= 0 {
		return 4
	}
	return s.cfg.CIDLen
}

// Create generates a fresh channel id for clientID and persists its
// initial tuple, trying up to maxIDAttempts candidates until one is
// unclaimed.
func (s *Service) Create(clientID string) (string, error) {
	if !validClientID(clientID) {
		s.audit("channel.create.bad_client_id", "bad client id on new_channel", nil)
		return "", ErrBadClientID
	}

	ttlEpoch := s.now().Add(s.cfg.TTL).Unix()
	tuple := newTuple(ttlEpoch, clientID)

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		cid := s.randomChannelID()
		ok, err := s.store.Add(cid, tuple, s.cfg.TTL)
		if err != nil {
			s.kvError()
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			s.channelCreated()
			return cid, nil
		}
	}
	return "", ErrIDExhausted
}

// admit applies the admission rules to tuple for clientID. On success
// it returns the (possibly updated) tuple. On a third-party intrusion
// or a malformed client id touching an existing channel, it deletes
// the channel as a side effect and returns ErrIntrusion/ErrBadClientID.
func (s *Service) admit(cid string, tuple Tuple, clientID string) (Tuple, error) {
	if !validClientID(clientID) {
		s.deleteChannel(cid)
		s.channelExpired(metrics.ReasonMalformedID)
		s.audit("channel.admit.bad_client_id", "malformed client id on existing channel", map[string]any{"cid": cid})
		return Tuple{}, ErrBadClientID
	}

	for _, id := range tuple.IDs {
		if id == clientID {
			return tuple, nil
		}
	}
	if len(tuple.IDs) < 2 {
		tuple.IDs = append(tuple.IDs, clientID)
		return tuple, nil
	}

	s.deleteChannel(cid)
	s.channelExpired(metrics.ReasonIntrusion)
	s.audit("channel.admit.intrusion", "third-party intrusion on channel", map[string]any{"cid": cid})
	return Tuple{}, ErrIntrusion
}

func (s *Service) get(cid string) (Tuple, error) {
	v, err := s.store.Get(cid)
	if err == kv.ErrNotFound {
		return Tuple{}, ErrNotFound
	}
	if err != nil {
		s.kvError()
		return Tuple{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tuple, ok := v.(Tuple)
	if !ok {
		return Tuple{}, ErrNotFound
	}
	return tuple, nil
}

func (s *Service) deleteChannel(cid string) {
	s.store.Delete(cid)
	s.store.Delete(getCounterKey(cid))
}

// Put performs admission then the conditional write spec'd for PUT
// /<cid>. ifMatch is the parsed If-Match header value (nil if absent,
// a slice of etags otherwise; a single "*" element means "match any
// etag"). ifNoneMatchStar is true iff If-None-Match: * was sent.
func (s *Service) Put(cid, clientID string, body []byte, ifMatch []string, ifNoneMatchStar bool) (etag string, err error) {
	tuple, err := s.get(cid)
	if err != nil {
		return "", err
	}

	tuple, err = s.admit(cid, tuple, clientID)
	if err != nil {
		return "", err
	}

	if len(ifMatch) > 0 && !(len(ifMatch) == 1 && ifMatch[0] == "*") {
		matched := false
		for _, e := range ifMatch {
			if e == tuple.ETag {
				matched = true
				break
			}
		}
		if !matched {
			return "", ErrPrecondition
		}
	} else if ifNoneMatchStar {
		if string(tuple.Payload) != emptySentinel {
			return "", ErrPrecondition
		}
	}

	newETag := etagOf(body)
	tuple.Payload = body
	tuple.ETag = newETag

	ttl := time.Until(time.Unix(tuple.TTLEpoch, 0))
	if err := s.store.Set(cid, tuple, ttl); err != nil {
		s.kvError()
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return newETag, nil
}

// GetResult is the outcome of a successful Get.
type GetResult struct {
	Payload   []byte
	ETag      string
	NotModified bool
}

// Get performs admission, the conditional read spec'd for GET /<cid>,
// and the GET-counter bookkeeping that deletes the channel once
// max_gets is reached. ifNoneMatch is the etag to compare against, or
// "" if the header was absent.
func (s *Service) Get(cid, clientID, ifNoneMatch string) (GetResult, error) {
	tuple, err := s.get(cid)
	if err != nil {
		return GetResult{}, err
	}

	tuple, err = s.admit(cid, tuple, clientID)
	if err != nil {
		return GetResult{}, err
	}

	if ifNoneMatch != "" && ifNoneMatch == tuple.ETag {
		// A 304 must never touch the GET counter: clients are expected
		// to poll with If-None-Match while waiting for the other party.
		return GetResult{ETag: tuple.ETag, NotModified: true}, nil
	}

	ttl := time.Until(time.Unix(tuple.TTLEpoch, 0))
	if err := s.store.Set(cid, tuple, ttl); err != nil {
		s.kvError()
		return GetResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count, err := s.bumpGetCounter(cid, ttl)
	if err != nil {
		return GetResult{}, err
	}
	if count >= s.maxGets() {
		s.deleteChannel(cid)
		s.channelExpired(metrics.ReasonMaxGets)
	}

	return GetResult{Payload: tuple.Payload, ETag: tuple.ETag}, nil
}

func (s *Service) maxGets() int {
	if s.cfg.MaxGets <= 0 {
		return 6
	}
	return s.cfg.MaxGets
}

// bumpGetCounter increments the counter for cid, initializing it with
// Add("1") rather than Incr on a missing key — Incr semantics on an
// absent or non-numeric value are backend-dependent, so the first GET
// always seeds the counter explicitly.
func (s *Service) bumpGetCounter(cid string, ttl time.Duration) (int, error) {
	key := getCounterKey(cid)
	ok, err := s.store.Add(key, "1", ttl)
	if err != nil {
		s.kvError()
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return 1, nil
	}
	n, err := s.store.Incr(key)
	if err != nil {
		s.kvError()
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// Report implements POST /report: it deletes the channel named by cid
// when both an identifying header and a channel id were supplied and
// the channel currently exists, and emits an audit event carrying
// logText and the body (truncated to maxReportLogBytes) when logText or
// body is non-empty. It always succeeds from the caller's point of view.
func (s *Service) Report(cid string, hasClientID, hasCid bool, logText string, body []byte) {
	if len(body) > maxReportLogBytes {
		body = body[:maxReportLogBytes]
	}
	if logText != "" || len(body) > 0 {
		s.audit("channel.report", logText, map[string]any{"cid": cid, "body": string(body)})
	}

	if hasClientID && hasCid && cid != "" {
		if _, err := s.get(cid); err == nil {
			s.deleteChannel(cid)
			s.channelExpired(metrics.ReasonReport)
		}
	}
}

// HealthCheck exercises the full get/set/delete cycle the rendezvous
// server depends on, the same property check spec'd for GET /.
func (s *Service) HealthCheck() error {
	key := "health:" + uuid.New().String()
	if err := s.store.Set(key, "test", time.Minute); err != nil {
		s.kvError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, err := s.store.Get(key)
	if err != nil || v != "test" {
		s.kvError()
		return fmt.Errorf("%w: health check readback mismatch", ErrUnavailable)
	}
	if err := s.store.Delete(key); err != nil {
		s.kvError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := s.store.Get(key); err != kv.ErrNotFound {
		s.kvError()
		return fmt.Errorf("%w: health check key still present after delete", ErrUnavailable)
	}
	return nil
}
