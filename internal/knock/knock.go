// Package knock implements single-packet authorization: one authenticated
// UDP datagram opens a short-lived firewall exception for its sender. The
// server never answers, so an invalid knock is indistinguishable from no
// service at all.
package knock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// DefaultPort is the UDP port knockd sniffs.
	DefaultPort = 62201

	// timestampTolerance bounds |now - ts| for anti-replay.
	timestampTolerance = 10 * time.Second

	// rateLimitWindow allows one knock per source IP per window.
	rateLimitWindow = 5 * time.Second

	// WhitelistDuration is how long an accepted source stays open.
	WhitelistDuration = 60 * time.Second

	nonceSize = 24
)

var packetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinyl_knock_packets_total",
	Help: "Knock packets by validation outcome.",
}, []string{"outcome"})

// Whitelist inserts source addresses into the host firewall exception set.
type Whitelist interface {
	Add(ip string, ttl time.Duration) error
}

// GenerateKey mints a hex-encoded 32-byte shared secret.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Seal builds one knock packet: a random 24-byte nonce followed by the
// secretbox ciphertext of "ts:hexnonce:ip". The inner nonce makes every
// plaintext unique even within the same second.
func Seal(key [32]byte, ip string, now time.Time) ([]byte, error) {
	inner := make([]byte, nonceSize)
	if _, err := rand.Read(inner); err != nil {
		return nil, fmt.Errorf("generate payload nonce: %w", err)
	}
	plaintext := fmt.Sprintf("%d:%s:%s", now.Unix(), hex.EncodeToString(inner), ip)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate box nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key), nil
}

// Server validates knocks and opens the firewall for valid ones. OnPacket is
// called from a single sniffing goroutine, so the per-source rate-limit map
// needs no lock.
type Server struct {
	key       [32]byte
	whitelist Whitelist
	logger    *slog.Logger
	now       func() time.Time

	lastKnock map[string]time.Time
}

// NewServer builds a knock validator around a shared key and a firewall
// whitelist.
func NewServer(key [32]byte, wl Whitelist, logger *slog.Logger) *Server {
	return &Server{
		key:       key,
		whitelist: wl,
		logger:    logger,
		now:       time.Now,
		lastKnock: make(map[string]time.Time),
	}
}

// OnPacket validates one sniffed datagram. Every rejection is a silent drop;
// only the internal counters and debug logs distinguish the reasons.
func (s *Server) OnPacket(sourceIP string, payload []byte) {
	if len(payload) < nonceSize+secretbox.Overhead {
		s.drop("decrypt_failed", sourceIP, "payload too short")
		return
	}
	var nonce [nonceSize]byte
	copy(nonce[:], payload[:nonceSize])
	plaintext, ok := secretbox.Open(nil, payload[nonceSize:], &nonce, &s.key)
	if !ok {
		s.drop("decrypt_failed", sourceIP, "authentication failed")
		return
	}

	parts := strings.SplitN(string(plaintext), ":", 3)
	if len(parts) != 3 {
		s.drop("malformed", sourceIP, "bad payload format")
		return
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.drop("malformed", sourceIP, "bad timestamp")
		return
	}
	claimedIP := parts[2]

	now := s.now()
	delta := now.Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > timestampTolerance {
		s.drop("stale", sourceIP, "timestamp out of window")
		return
	}

	if sourceIP != claimedIP {
		s.drop("spoofed", sourceIP, "claimed "+claimedIP)
		return
	}

	if last, seen := s.lastKnock[sourceIP]; seen && now.Sub(last) < rateLimitWindow {
		s.drop("rate_limited", sourceIP, "knocked too recently")
		return
	}
	// Entries outside the window no longer limit anything; dropping them
	// here keeps the map bounded by recent knockers, not knock history.
	for ip, last := range s.lastKnock {
		if now.Sub(last) >= rateLimitWindow {
			delete(s.lastKnock, ip)
		}
	}
	s.lastKnock[sourceIP] = now

	if err := s.whitelist.Add(claimedIP, WhitelistDuration); err != nil {
		packetsTotal.WithLabelValues("whitelist_error").Inc()
		s.logger.Error("whitelist insert failed", "ip", claimedIP, "error", err)
		return
	}
	packetsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("valid knock", "ip", claimedIP, "open_for", WhitelistDuration)
}

func (s *Server) drop(outcome, sourceIP, reason string) {
	packetsTotal.WithLabelValues(outcome).Inc()
	s.logger.Debug("knock dropped", "source", sourceIP, "outcome", outcome, "reason", reason)
}
